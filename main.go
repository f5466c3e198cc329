package main

import (
	"bufio"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"duochat/config"
	"duochat/server"
	"duochat/store"
)

const controlSocketPath = "/tmp/duochat.sock"

func main() {
	cfg := config.Load()

	accounts, err := store.Open(cfg.StoreBackend, cfg.StorePath)
	if err != nil {
		log.Fatalf("Failed to open account store: %v", err)
	}
	defer accounts.Close()

	srv := server.New(accounts, &server.ServerConfig{
		Port:         cfg.Port,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
	})

	go startControlSocket(srv)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		srv.Shutdown("maintenance")
		os.Remove(controlSocketPath)
		os.Exit(0)
	}()

	log.Fatal(srv.Start())
}

func startControlSocket(srv *server.Server) {
	os.Remove(controlSocketPath)

	listener, err := net.Listen("unix", controlSocketPath)
	if err != nil {
		log.Printf("Failed to create control socket: %v", err)
		return
	}
	defer listener.Close()
	defer os.Remove(controlSocketPath)

	log.Printf("Control socket listening on %s", controlSocketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			continue
		}
		go handleControlCommand(srv, conn)
	}
}

func handleControlCommand(srv *server.Server, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 2)
	cmd := parts[0]
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}

	switch cmd {
	case "stats":
		conn.Write([]byte("OK|" + srv.GetStats() + "\n"))

	case "ban":
		if arg == "" {
			conn.Write([]byte("ERROR|Username required\n"))
			return
		}
		if err := srv.Ban(arg); err != nil {
			conn.Write([]byte("ERROR|" + err.Error() + "\n"))
			return
		}
		conn.Write([]byte("OK|Banned " + arg + "\n"))

	case "unban":
		if arg == "" {
			conn.Write([]byte("ERROR|Username required\n"))
			return
		}
		if err := srv.Unban(arg); err != nil {
			conn.Write([]byte("ERROR|" + err.Error() + "\n"))
			return
		}
		conn.Write([]byte("OK|Unbanned " + arg + "\n"))

	case "shutdown":
		reason := "maintenance"
		if arg != "" {
			reason = arg
		}
		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()

		log.Printf("Shutdown requested: reason=%s", reason)
		srv.Shutdown(reason)

		os.Remove(controlSocketPath)
		os.Exit(0)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
