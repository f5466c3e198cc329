package client

import (
	"io"
	"net"
	"testing"
	"time"

	"duochat/protocol"
)

// TestSendBeforeAuthenticate checks that a packet enqueued before
// authentication never interleaves with the credential block: the block
// arrives intact and the early packet flushes only after admission.
func TestSendBeforeAuthenticate(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer listener.Close()

	type serverView struct {
		creds protocol.Credentials
		early protocol.Packet
		err   error
	}
	done := make(chan serverView, 1)

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			done <- serverView{err: err}
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(3 * time.Second))

		if err := protocol.WriteU64(conn, 42); err != nil {
			done <- serverView{err: err}
			return
		}
		if _, err := protocol.ReadU64(conn); err != nil {
			done <- serverView{err: err}
			return
		}

		block := make([]byte, protocol.CredentialsSize)
		if _, err := io.ReadFull(conn, block); err != nil {
			done <- serverView{err: err}
			return
		}
		creds, err := protocol.DecodeCredentials(block)
		if err != nil {
			done <- serverView{err: err}
			return
		}
		if err := protocol.WritePacket(conn, protocol.New(protocol.TypeAccept)); err != nil {
			done <- serverView{err: err}
			return
		}

		early, err := protocol.ReadPacket(conn)
		done <- serverView{creds: creds, early: early, err: err}
	}()

	c, err := Dial(listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	c.Send(protocol.NewText(protocol.TypeMessage, "queued early"))
	if err := c.Authenticate("alice", "pw", protocol.IntentLogin); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	var view serverView
	select {
	case view = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for the server side")
	}
	if view.err != nil {
		t.Fatalf("Server side failed: %v", view.err)
	}
	if view.creds.Username != "alice" || view.creds.Password != "pw" || view.creds.Intent != protocol.IntentLogin {
		t.Errorf("Credential block corrupted: %+v", view.creds)
	}
	if view.early.Type != protocol.TypeMessage || view.early.Text() != "queued early" {
		t.Errorf("Early packet corrupted: %s %q", view.early.Type, view.early.Text())
	}
}
