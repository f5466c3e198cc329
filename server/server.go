// Package server implements the duochat relay: it admits authenticated
// connections into a directory and pairs them into two-party chat sessions.
//
// Concurrency model: every connection runs a reader and a writer goroutine
// that only touch the socket and the mailboxes. All directory and chat-party
// state is owned by the single consumer goroutine draining the inbound
// mailbox, so that state needs no lock of its own.
package server

import (
	"log"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"duochat/protocol"
	"duochat/store"
)

type Server struct {
	store    store.Store
	config   *ServerConfig
	listener net.Listener
	inbound  *protocol.Mailbox[ownedPacket]

	// Owned by the consumer goroutine. Nothing else reads or writes these.
	directory map[string]*Connection
	proposed  []chatParty
	ongoing   []chatParty

	idMu      sync.Mutex
	idCounter uint32

	snapshot struct {
		sync.Mutex
		users []string
	}

	done chan struct{}
}

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration // bounds the handshake and credential exchange
	WriteTimeout time.Duration
}

// chatParty pairs the user who asked to chat with the user who was invited.
// It sits in the proposed set until the invitee answers, then moves to the
// ongoing set or is discarded.
type chatParty struct {
	initiator *Connection
	recipient *Connection
}

func New(st store.Store, config *ServerConfig) *Server {
	return &Server{
		store:     st,
		config:    config,
		inbound:   protocol.NewMailbox[ownedPacket](),
		directory: make(map[string]*Connection),
		idCounter: 1000,
		done:      make(chan struct{}),
	}
}

// Start listens, launches the consumer goroutine and accepts connections until
// the listener is closed.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Listen binds the configured port without accepting yet. Split out so tests
// can bind port 0 and read the chosen address before serving.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	s.listener = listener
	return nil
}

// Serve launches the consumer goroutine and accepts connections until the
// listener is closed.
func (s *Server) Serve() error {
	go s.consume()

	log.Printf("duochat server started on %s", s.listener.Addr())

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			log.Printf("Error accepting connection: %v", err)
			continue
		}
		c := newConnection(s.nextID(), conn, s.inbound, s.config.WriteTimeout)
		log.Printf("ID %d: new client connected from %s", c.ID, c.remoteAddr())
		go c.run(s.config.ReadTimeout)
	}
}

// Addr reports the bound listen address, for tests that start on port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) nextID() uint32 {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	s.idCounter++
	return s.idCounter
}

// consume is the single goroutine allowed to mutate directory and chat-party
// state. It blocks in Wait until a connection goroutine pushes an envelope.
func (s *Server) consume() {
	defer close(s.done)
	for s.inbound.Wait() {
		for {
			env, ok := s.inbound.PopFront()
			if !ok {
				break
			}
			if env.packet.Type == packetShutdown {
				s.shutdownAll(env.packet.Text())
				return
			}
			s.dispatch(env)
		}
	}
}

// Shutdown announces the reason to every client, disconnects them and stops
// the server. Callable from any goroutine; the teardown itself runs on the
// consumer goroutine.
func (s *Server) Shutdown(reason string) {
	if s.listener != nil {
		s.listener.Close()
	}
	s.inbound.PushBack(ownedPacket{packet: protocol.NewText(packetShutdown, reason)})
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		log.Printf("Shutdown: consumer did not stop in time")
	}
}

func (s *Server) shutdownAll(reason string) {
	log.Printf("Shutting down: %s", reason)
	for _, c := range s.directory {
		c.Send(protocol.NewText(protocol.TypeServerNotice, "server shutting down: "+reason))
		c.Send(protocol.New(protocol.TypeForceDisconnect))
		c.CloseWhenDrained()
	}
	s.directory = make(map[string]*Connection)
	s.proposed = nil
	s.ongoing = nil
	s.publishSnapshot()
	s.inbound.Close()
}

// GetStats returns server statistics as a formatted string for the control
// socket. It reads a snapshot published by the consumer goroutine, never the
// directory itself.
func (s *Server) GetStats() string {
	s.snapshot.Lock()
	users := append([]string(nil), s.snapshot.users...)
	s.snapshot.Unlock()

	return "connections=" + strconv.Itoa(len(users)) + ",users=" + strings.Join(users, ";")
}

// Ban flips an account to banned standing and kicks any live session. The
// kick runs on the consumer goroutine, routed through the inbound mailbox like
// everything else that touches the directory.
func (s *Server) Ban(username string) error {
	if err := s.store.SetStanding(username, store.Banned); err != nil {
		return err
	}
	s.inbound.PushBack(ownedPacket{packet: protocol.NewText(packetBan, username)})
	return nil
}

func (s *Server) Unban(username string) error {
	return s.store.SetStanding(username, store.Active)
}

// --- consumer-goroutine helpers below this line ---

func (s *Server) register(username string, c *Connection) {
	s.directory[username] = c
	s.publishSnapshot()
}

func (s *Server) unregister(username string) {
	delete(s.directory, username)
	s.publishSnapshot()
}

func (s *Server) publishSnapshot() {
	users := make([]string, 0, len(s.directory))
	for name := range s.directory {
		users = append(users, name)
	}
	sort.Strings(users)
	s.snapshot.Lock()
	s.snapshot.users = users
	s.snapshot.Unlock()
}

func (s *Server) lookup(username string) (*Connection, bool) {
	c, ok := s.directory[username]
	return c, ok
}

// sendTo delivers a packet to a directory member. A missing or closed
// connection heals itself: the stale entry is dropped and the online list
// refreshed, and the failure is reported only through the return value.
func (s *Server) sendTo(username string, p protocol.Packet) bool {
	c, ok := s.directory[username]
	if !ok {
		return false
	}
	if !c.Connected() {
		log.Printf("Failed sending %s packet to %s", p.Type, username)
		s.dropClient(c)
		s.refreshOnlineList()
		return false
	}
	c.Send(p)
	return true
}

// broadcast sends to every directory member except one. Dead members found
// along the way are dropped, same as sendTo.
func (s *Server) broadcast(p protocol.Packet, except *Connection) {
	var dead []*Connection
	for _, c := range s.directory {
		if c == except {
			continue
		}
		if !c.Connected() {
			dead = append(dead, c)
			continue
		}
		c.Send(p)
	}
	for _, c := range dead {
		log.Printf("Failed sending %s packet to %s", p.Type, c.Account.Username)
		s.dropClient(c)
	}
	if len(dead) > 0 {
		s.refreshOnlineList()
	}
}

// dropClient removes a connection from the directory without touching any
// chat party it may hold; callers that can still be in a party go through
// the teardown paths in handlers.go.
func (s *Server) dropClient(c *Connection) {
	name := c.Account.Username
	if name == "" {
		return
	}
	if cur, ok := s.directory[name]; ok && cur == c {
		s.unregister(name)
		log.Printf("The user %s has been removed", name)
	}
	c.Close()
}

// refreshOnlineList sends every directory member the view of everyone else:
// one "name | Status" line per user, or the lone-user notice. Dead members are
// collected up front and dropped after the pass, same as broadcast, so the
// directory never changes while the lists are being built.
func (s *Server) refreshOnlineList() {
	names := make([]string, 0, len(s.directory))
	var dead []*Connection
	for name, c := range s.directory {
		if !c.Connected() {
			dead = append(dead, c)
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, recipient := range names {
		var b strings.Builder
		for _, name := range names {
			if name == recipient {
				continue
			}
			b.WriteString(name)
			b.WriteString(" | ")
			b.WriteString(s.directory[name].Status.String())
			b.WriteString("\n")
		}
		if b.Len() == 0 {
			b.WriteString("You are the only one online!\n")
		}
		s.directory[recipient].Send(protocol.NewText(protocol.TypeOnlineList, b.String()))
	}

	for _, c := range dead {
		log.Printf("Failed sending %s packet to %s", protocol.TypeOnlineList, c.Account.Username)
		s.dropClient(c)
	}
}
