package server

import (
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"duochat/protocol"
	"duochat/store"
)

// Status is the per-connection presence state. A connection holds PendingAuth
// until the account gate admits it into the directory.
type Status int

const (
	StatusPendingAuth Status = iota
	StatusOpen
	StatusChatting
)

func (s Status) String() string {
	switch s {
	case StatusPendingAuth:
		return "PendingAuth"
	case StatusOpen:
		return "Open"
	case StatusChatting:
		return "Chatting"
	}
	return "Unknown"
}

// Internal envelope types, produced by connection goroutines and consumed by
// the server's dispatch loop. They never appear on the wire.
const (
	packetCredentials protocol.Type = 1000 + iota
	packetDisconnect
	packetShutdown
	packetBan
)

// ownedPacket ties an inbound envelope to the connection that produced it.
type ownedPacket struct {
	conn   *Connection
	packet protocol.Packet
}

// Connection is one accepted TCP session. A reader goroutine drives the
// handshake, the credential exchange and the packet loop; a writer goroutine
// drains the outgoing mailbox so at most one write is ever in flight and
// concurrent Send calls never interleave bytes on the wire.
//
// Account and Status are mutated only by the server's consumer goroutine.
type Connection struct {
	ID      uint32
	Account store.Account
	Status  Status

	conn         net.Conn
	inbound      *protocol.Mailbox[ownedPacket]
	outgoing     *protocol.Mailbox[protocol.Packet]
	admitted     chan bool
	validated    bool
	closed       atomic.Bool
	drainClose   atomic.Bool
	closeOnce    sync.Once
	writeTimeout time.Duration
}

func newConnection(id uint32, conn net.Conn, inbound *protocol.Mailbox[ownedPacket], writeTimeout time.Duration) *Connection {
	return &Connection{
		ID:           id,
		Status:       StatusPendingAuth,
		conn:         conn,
		inbound:      inbound,
		outgoing:     protocol.NewMailbox[protocol.Packet](),
		admitted:     make(chan bool, 1),
		writeTimeout: writeTimeout,
	}
}

// Send enqueues a packet for delivery. The writer goroutine picks it up; a
// dead socket surfaces the next time the directory references the connection,
// not here.
func (c *Connection) Send(p protocol.Packet) {
	c.outgoing.PushBack(p)
}

func (c *Connection) Connected() bool {
	return !c.closed.Load()
}

// CloseWhenDrained closes the socket once every queued packet has been
// written. Used to force-disconnect a peer after the farewell packets.
func (c *Connection) CloseWhenDrained() {
	c.drainClose.Store(true)
	if c.outgoing.IsEmpty() {
		c.Close()
	}
}

// Close shuts the socket and wakes the writer. Safe to call from any
// goroutine, any number of times.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.conn.Close()
		c.outgoing.Close()
	})
}

func (c *Connection) remoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// run drives the connection until the socket dies: handshake, credential
// exchange, then the persistent packet loop. On exit a disconnect envelope is
// pushed so the consumer tears down whatever state the connection holds.
func (c *Connection) run(handshakeTimeout time.Duration) {
	go c.writeLoop()

	defer func() {
		c.Close()
		c.inbound.PushBack(ownedPacket{conn: c, packet: protocol.New(packetDisconnect)})
	}()

	if err := c.handshake(handshakeTimeout); err != nil {
		log.Printf("ID %d: handshake with %s failed: %v", c.ID, c.remoteAddr(), err)
		return
	}
	c.validated = true
	log.Printf("ID %d: connection with %s validated", c.ID, c.remoteAddr())

	if err := c.credentialLoop(handshakeTimeout); err != nil {
		if err != io.EOF {
			log.Printf("ID %d: credential exchange failed: %v", c.ID, err)
		}
		return
	}

	// The gate has admitted us. Drop the deadline: a hung peer is detected by
	// the next failed read, treated as an ordinary close.
	c.conn.SetReadDeadline(time.Time{})

	for {
		p, err := protocol.ReadPacket(c.conn)
		if err != nil {
			if err != io.EOF && !c.closed.Load() {
				log.Printf("ID %d: read failed: %v", c.ID, err)
			}
			return
		}
		c.inbound.PushBack(ownedPacket{conn: c, packet: p})
	}
}

// handshake sends a random 64-bit challenge and verifies the peer's keyed
// response. A mismatch closes the socket immediately, no retry.
func (c *Connection) handshake(timeout time.Duration) error {
	challenge, err := protocol.NewChallenge()
	if err != nil {
		return err
	}
	expected := protocol.SolveChallenge(challenge)

	c.conn.SetDeadline(time.Now().Add(timeout))
	defer c.conn.SetDeadline(time.Time{})

	if err := protocol.WriteU64(c.conn, challenge); err != nil {
		return err
	}
	response, err := protocol.ReadU64(c.conn)
	if err != nil {
		return err
	}
	if response != expected {
		return fmt.Errorf("challenge response mismatch")
	}
	return nil
}

// credentialLoop reads fixed-size credential blocks and hands them to the
// gate. A rejected (non-banned) peer may resubmit over the same transport, so
// the loop only ends on admission or a dead socket.
func (c *Connection) credentialLoop(timeout time.Duration) error {
	for {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
		block := make([]byte, protocol.CredentialsSize)
		if _, err := io.ReadFull(c.conn, block); err != nil {
			return err
		}
		c.inbound.PushBack(ownedPacket{conn: c, packet: protocol.Packet{Type: packetCredentials, Body: block}})

		if <-c.admitted {
			return nil
		}
	}
}

// admit delivers the gate's verdict to the reader goroutine.
func (c *Connection) admit(ok bool) {
	select {
	case c.admitted <- ok:
	default:
	}
}

// writeLoop is the single writer for this connection. It pops one packet at a
// time, so frames never interleave and leave in enqueue order.
func (c *Connection) writeLoop() {
	for c.outgoing.Wait() {
		p, ok := c.outgoing.PopFront()
		if !ok {
			continue
		}
		if c.writeTimeout > 0 {
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		}
		if err := protocol.WritePacket(c.conn, p); err != nil {
			if !c.closed.Load() {
				log.Printf("ID %d: write failed: %v", c.ID, err)
			}
			c.Close()
			return
		}
		if c.drainClose.Load() && c.outgoing.IsEmpty() {
			c.Close()
			return
		}
	}
}
