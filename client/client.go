// Package client is the library side of the duochat protocol: it dials the
// relay, answers the handshake challenge, submits credentials and then
// exchanges framed packets. It carries no terminal UI; callers drain the inbox
// themselves.
package client

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"duochat/protocol"
)

// ErrRejected wraps a gate rejection; the reject code travels alongside.
var ErrRejected = errors.New("credentials rejected")

// RejectError reports why the gate refused the submitted credentials. The
// transport stays open (except for a ban), so Authenticate may be retried.
type RejectError struct {
	Code uint32
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("credentials rejected (code %d)", e.Code)
}

func (e *RejectError) Unwrap() error { return ErrRejected }

// Client is one connection to the relay. A writer goroutine drains the
// outgoing mailbox so concurrent senders never interleave frames; it starts
// alongside the reader once authentication succeeds, so packets sent earlier
// sit queued until then.
type Client struct {
	// Inbox receives every packet from the server once Authenticate has
	// succeeded. It is closed when the connection dies.
	Inbox *protocol.Mailbox[protocol.Packet]

	conn      net.Conn
	outgoing  *protocol.Mailbox[protocol.Packet]
	username  string
	admitted  bool
	closed    atomic.Bool
	closeOnce sync.Once
}

// Dial connects and completes the handshake: read the raw challenge, apply
// the keyed transform, send the response. The server closes the socket on a
// mismatch, which surfaces here as a read error on the next step.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	challenge, err := protocol.ReadU64(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading challenge: %w", err)
	}
	if err := protocol.WriteU64(conn, protocol.SolveChallenge(challenge)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("answering challenge: %w", err)
	}

	c := &Client{
		Inbox:    protocol.NewMailbox[protocol.Packet](),
		conn:     conn,
		outgoing: protocol.NewMailbox[protocol.Packet](),
	}
	return c, nil
}

// Authenticate submits a credential block and waits for the gate's verdict.
// On rejection it returns a *RejectError and the transport stays open for a
// retry; on acceptance the reader goroutine starts and Inbox goes live.
func (c *Client) Authenticate(username, password string, intent protocol.Intent) error {
	if c.admitted {
		return nil
	}
	block, err := protocol.EncodeCredentials(protocol.Credentials{
		Username: username,
		Password: password,
		Intent:   intent,
	})
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(block); err != nil {
		return err
	}

	p, err := protocol.ReadPacket(c.conn)
	if err != nil {
		return err
	}
	switch p.Type {
	case protocol.TypeAccept:
		c.username = username
		c.admitted = true
		// The writer starts only now: until admission the credential block is
		// the only traffic, so packets enqueued early cannot interleave with
		// it. They flush as soon as the loop comes up.
		go c.readLoop()
		go c.writeLoop()
		return nil
	case protocol.TypeReject:
		code, err := p.RejectCode()
		if err != nil {
			return err
		}
		return &RejectError{Code: code}
	}
	return fmt.Errorf("unexpected %s packet during authentication", p.Type)
}

// Username returns the name this client authenticated under.
func (c *Client) Username() string {
	return c.username
}

// Next blocks until a packet arrives, returning false once the connection has
// closed and the inbox drained.
func (c *Client) Next() (protocol.Packet, bool) {
	for {
		if p, ok := c.Inbox.PopFront(); ok {
			return p, true
		}
		if !c.Inbox.Wait() {
			return protocol.Packet{}, false
		}
	}
}

// Send enqueues a packet; the writer goroutine delivers them in order.
func (c *Client) Send(p protocol.Packet) {
	c.outgoing.PushBack(p)
}

// RequestChat asks the relay to pair this client with receiver.
func (c *Client) RequestChat(receiver string) {
	c.Send(protocol.NewText(protocol.TypeChatRequest, receiver))
}

// RespondToAlert answers a chat alert from initiator.
func (c *Client) RespondToAlert(initiator string, accept bool) {
	c.Send(protocol.NewChatAlertResponse(c.username, initiator, accept))
}

// SendChat relays a message to the current conversation counterpart.
func (c *Client) SendChat(message string) {
	c.Send(protocol.NewText(protocol.TypeMessage, c.username+":"+message))
}

// SendBroadcast announces a message to everyone else online.
func (c *Client) SendBroadcast(message string) {
	c.Send(protocol.NewText(protocol.TypeBroadcastMessage, c.username+":"+message))
}

// LeaveConversation ends the ongoing conversation, if any.
func (c *Client) LeaveConversation() {
	c.Send(protocol.NewText(protocol.TypeLeaveConversation, c.username))
}

// ChangePassword asks the relay to rewrite this account's stored password.
// The server does not acknowledge success; a store failure comes back as a
// reject packet on the inbox.
func (c *Client) ChangePassword(newPassword string) {
	c.Send(protocol.NewText(protocol.TypeChangePassword, c.username+"#"+newPassword))
}

// Exit tells the relay this client is leaving, then closes.
func (c *Client) Exit() {
	c.Send(protocol.New(protocol.TypeClientExit))
}

// Close drops the connection. Safe to call multiple times.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.conn.Close()
		c.outgoing.Close()
		c.Inbox.Close()
	})
}

func (c *Client) readLoop() {
	for {
		p, err := protocol.ReadPacket(c.conn)
		if err != nil {
			if !c.closed.Load() {
				c.Inbox.Close()
			}
			return
		}
		c.Inbox.PushBack(p)
	}
}

func (c *Client) writeLoop() {
	for c.outgoing.Wait() {
		p, ok := c.outgoing.PopFront()
		if !ok {
			continue
		}
		if err := protocol.WritePacket(c.conn, p); err != nil {
			if !c.closed.Load() {
				log.Printf("client %s: write failed: %v", c.username, err)
			}
			c.Close()
			return
		}
	}
}
