package server

import (
	"errors"
	"log"
	"strings"

	"duochat/protocol"
	"duochat/store"
)

// dispatch routes one inbound envelope. Runs on the consumer goroutine only.
func (s *Server) dispatch(env ownedPacket) {
	c := env.conn
	switch env.packet.Type {
	case packetCredentials:
		s.handleGate(c, env.packet)
	case packetDisconnect:
		s.handleDisconnect(c)
	case packetBan:
		s.handleBanKick(env.packet.Text())
	case protocol.TypeChatRequest:
		s.handleChatRequest(c, env.packet.Text())
	case protocol.TypeChatAlertResponse:
		s.handleChatAlertResponse(c, env.packet)
	case protocol.TypeMessage:
		s.handleRelay(c, env.packet.Text())
	case protocol.TypeBroadcastMessage:
		s.handleBroadcast(c, env.packet)
	case protocol.TypeLeaveConversation:
		s.handleLeave(c, env.packet.Text())
	case protocol.TypeClientExit:
		s.handleExit(c)
	case protocol.TypeChangePassword:
		s.handleChangePassword(c, env.packet.Text())
	default:
		log.Printf("ID %d: unexpected %s packet", c.ID, env.packet.Type)
	}
}

// handleGate runs the account gate: one decision per submitted credential
// block. A rejected (non-banned) connection stays open so the client can
// resubmit corrected credentials over the same transport.
func (s *Server) handleGate(c *Connection, p protocol.Packet) {
	reject := func(code uint32) {
		c.Send(protocol.NewReject(code))
		c.admit(false)
	}

	creds, err := protocol.DecodeCredentials(p.Body)
	if err != nil {
		log.Printf("ID %d: malformed credential block: %v", c.ID, err)
		c.admit(false)
		c.Close()
		return
	}

	if _, online := s.directory[creds.Username]; online {
		log.Printf("ID %d: login attempt for %s while account is online", c.ID, creds.Username)
		reject(protocol.RejectAlreadyOnline)
		return
	}

	acc, err := s.store.Get(creds.Username)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if creds.Intent == protocol.IntentLogin {
			log.Printf("ID %d: login failed, %s not found", c.ID, creds.Username)
			reject(protocol.RejectUsernameNotFound)
			return
		}
		if err := s.store.Create(creds.Username, creds.Password); err != nil {
			log.Printf("ID %d: error writing account %s: %v", c.ID, creds.Username, err)
			reject(protocol.RejectStoreWriteFailed)
			return
		}
		acc = store.Account{Username: creds.Username, Password: creds.Password, Standing: store.Active}
		log.Printf("ID %d: %s registered", c.ID, creds.Username)

	case err != nil:
		log.Printf("ID %d: account store read failed: %v", c.ID, err)
		reject(protocol.RejectStoreReadFailed)
		return

	case acc.Standing == store.Banned:
		log.Printf("ID %d: banned user %s tried logging in", c.ID, creds.Username)
		c.Send(protocol.NewReject(protocol.RejectAccountBanned))
		c.Send(protocol.New(protocol.TypeForceDisconnect))
		c.admit(false)
		c.CloseWhenDrained()
		return

	case creds.Intent == protocol.IntentRegister:
		log.Printf("ID %d: rejected, username %s is taken", c.ID, creds.Username)
		reject(protocol.RejectUsernameTaken)
		return

	case acc.Password != creds.Password:
		log.Printf("ID %d: login to %s failed, incorrect password", c.ID, creds.Username)
		reject(protocol.RejectIncorrectPassword)
		return
	}

	c.Account = acc
	c.Status = StatusOpen
	s.register(acc.Username, c)
	c.Send(protocol.New(protocol.TypeAccept))
	c.admit(true)
	s.refreshOnlineList()
	log.Printf("%s is now connected with ID %d", acc.Username, c.ID)
}

// handleChatRequest is step one of the match engine. Every rejection is
// synchronous and creates no party; only a delivered alert leaves a proposed
// party behind.
func (s *Server) handleChatRequest(c *Connection, receiver string) {
	sender := c.Account.Username

	if len(s.directory) <= 1 {
		s.sendTo(sender, protocol.NewChatResponse(receiver, protocol.ChatNoOneOnline))
		return
	}
	rec, ok := s.lookup(receiver)
	if !ok || receiver == sender {
		s.sendTo(sender, protocol.NewChatResponse(receiver, protocol.ChatUserNotFound))
		return
	}
	// One party per username, proposed or ongoing, on either side.
	if rec.Status == StatusChatting || s.engaged(receiver) || s.engaged(sender) {
		s.sendTo(sender, protocol.NewChatResponse(receiver, protocol.ChatUserBusy))
		return
	}
	if !s.sendTo(receiver, protocol.NewText(protocol.TypeChatAlert, sender)) {
		s.sendTo(sender, protocol.NewChatResponse(receiver, protocol.ChatUserUnreachable))
		return
	}
	s.proposed = append(s.proposed, chatParty{initiator: c, recipient: rec})
}

// handleChatAlertResponse is step two: the invitee has answered. The proposed
// party is consumed whatever the outcome.
func (s *Server) handleChatAlertResponse(c *Connection, p protocol.Packet) {
	receiver, initiator, accepted, err := p.ChatAlertResponseFields()
	if err != nil {
		log.Printf("ID %d: %v", c.ID, err)
		return
	}
	if receiver != c.Account.Username {
		log.Printf("ID %d: alert response for %s from connection of %s", c.ID, receiver, c.Account.Username)
		return
	}

	idx := -1
	for i, party := range s.proposed {
		if party.initiator.Account.Username == initiator && party.recipient.Account.Username == receiver {
			idx = i
			break
		}
	}
	if idx < 0 {
		log.Printf("Unable to find the proposed party for %s and %s", initiator, receiver)
		return
	}
	party := s.proposed[idx]
	s.proposed = append(s.proposed[:idx], s.proposed[idx+1:]...)

	initConn, ok := s.lookup(initiator)
	if !ok || initConn != party.initiator || !initConn.Connected() {
		log.Printf("User %s was unable to be reached during the alert process", initiator)
		s.sendTo(receiver, protocol.NewChatResponse(initiator, protocol.ChatUserUnreachable))
		// Drop the party's own connection: if the name was re-registered in
		// the meantime, dropClient's identity check leaves the new session
		// alone and only the stale connection is closed.
		s.dropClient(party.initiator)
		s.refreshOnlineList()
		return
	}

	if !accepted {
		s.sendTo(initiator, protocol.NewChatResponse(receiver, protocol.ChatRejected))
		return
	}

	party.initiator.Status = StatusChatting
	party.recipient.Status = StatusChatting
	s.ongoing = append(s.ongoing, party)
	log.Printf("%s is now chatting with %s", initiator, receiver)

	// The refreshed list must land before the accepted notification: the
	// initiator's client treats packet arrival order as authoritative.
	s.refreshOnlineList()
	s.sendTo(initiator, protocol.NewChatResponse(receiver, protocol.ChatAccepted))
}

// handleRelay forwards a chat message to the sender's counterpart, verbatim.
// A failed relay ends the session the same way a leave does.
func (s *Server) handleRelay(c *Connection, text string) {
	idx := strings.Index(text, ":")
	if idx < 0 {
		log.Printf("ID %d: malformed chat message", c.ID)
		return
	}
	sender, msg := text[:idx], text[idx+1:]
	if sender != c.Account.Username {
		log.Printf("ID %d: chat message for %s from connection of %s", c.ID, sender, c.Account.Username)
		return
	}

	partyIdx, self, peer := s.findOngoing(sender)
	if partyIdx < 0 {
		c.Send(protocol.NewText(protocol.TypeServerNotice, "you are not in a conversation"))
		return
	}
	if !s.sendTo(peer.Account.Username, protocol.NewText(protocol.TypeMessage, msg)) {
		s.endConversation(partyIdx, peer.Account.Username, self)
		s.refreshOnlineList()
	}
}

func (s *Server) handleBroadcast(c *Connection, p protocol.Packet) {
	s.broadcast(protocol.NewText(protocol.TypeBroadcastMessage, p.Text()), c)
}

// handleLeave ends the ongoing conversation the user is part of.
func (s *Server) handleLeave(c *Connection, user string) {
	if user == "" {
		user = c.Account.Username
	}
	if user != c.Account.Username {
		log.Printf("ID %d: leave for %s from connection of %s", c.ID, user, c.Account.Username)
		return
	}
	idx, _, peer := s.findOngoing(user)
	if idx < 0 {
		return
	}
	log.Printf("%s is leaving the conversation with %s", user, peer.Account.Username)
	s.endConversation(idx, user, peer)
	s.refreshOnlineList()
}

// handleExit is an orderly client departure: same teardown as a dropped
// socket, but logged as a leave.
func (s *Server) handleExit(c *Connection) {
	if c.Account.Username != "" {
		log.Printf("The user %s has left", c.Account.Username)
	}
	s.cleanupConnection(c)
	c.Close()
}

// handleDisconnect runs when a connection's reader goroutine exits for any
// reason. Every teardown path restores both participants' status and removes
// stale directory and party entries before anything else observes them.
func (s *Server) handleDisconnect(c *Connection) {
	if c.Account.Username == "" {
		log.Printf("ID %d: client disconnected from %s", c.ID, c.remoteAddr())
		return
	}
	if _, ok := s.directory[c.Account.Username]; ok {
		log.Printf("%s disconnected from %s", c.Account.Username, c.remoteAddr())
	}
	s.cleanupConnection(c)
}

// cleanupConnection removes every trace of c: its ongoing party (notifying
// the counterpart), its proposed parties, and its directory entry.
func (s *Server) cleanupConnection(c *Connection) {
	user := c.Account.Username
	if user == "" {
		return
	}

	if idx, self, peer := s.findOngoing(user); idx >= 0 && self == c {
		s.endConversation(idx, user, peer)
	}
	s.discardProposed(c)

	if cur, ok := s.directory[user]; ok && cur == c {
		s.unregister(user)
	}
	c.Close()
	if len(s.directory) > 0 {
		s.refreshOnlineList()
	}
}

// discardProposed drops any proposed party involving c and tells the other
// member the user became unreachable, whichever side vanished.
func (s *Server) discardProposed(c *Connection) {
	kept := s.proposed[:0]
	for _, party := range s.proposed {
		if party.initiator != c && party.recipient != c {
			kept = append(kept, party)
			continue
		}
		other := party.initiator
		if other == c {
			other = party.recipient
		}
		if other.Connected() {
			s.sendTo(other.Account.Username,
				protocol.NewChatResponse(c.Account.Username, protocol.ChatUserUnreachable))
		}
	}
	s.proposed = kept
}

// handleChangePassword rewrites the stored password for the requesting user.
// Payload format is "username#newpassword". No reply on success; a store
// failure is reported as a rejection and the server keeps running.
func (s *Server) handleChangePassword(c *Connection, text string) {
	idx := strings.Index(text, "#")
	if idx < 0 {
		log.Printf("ID %d: malformed change-password packet", c.ID)
		return
	}
	user, newPassword := text[:idx], text[idx+1:]
	if user != c.Account.Username {
		log.Printf("ID %d: password change for %s from connection of %s", c.ID, user, c.Account.Username)
		return
	}
	if newPassword == "" || len(newPassword) > protocol.MaxPassword {
		log.Printf("ID %d: rejected password change for %s: bad length", c.ID, user)
		c.Send(protocol.NewReject(protocol.RejectStoreWriteFailed))
		return
	}
	if err := s.store.SetPassword(user, newPassword); err != nil {
		log.Printf("Error changing password for %s: %v", user, err)
		c.Send(protocol.NewReject(protocol.RejectStoreWriteFailed))
		return
	}
	c.Account.Password = newPassword
	log.Printf("%s has changed their password", user)
}

// handleBanKick force-disconnects the live session of a freshly banned user.
func (s *Server) handleBanKick(username string) {
	c, ok := s.lookup(username)
	if !ok {
		return
	}
	log.Printf("Kicking banned user %s", username)
	if idx, self, peer := s.findOngoing(username); idx >= 0 && self == c {
		s.endConversation(idx, username, peer)
	}
	s.discardProposed(c)
	s.unregister(username)
	c.Send(protocol.NewReject(protocol.RejectAccountBanned))
	c.Send(protocol.New(protocol.TypeForceDisconnect))
	c.CloseWhenDrained()
	if len(s.directory) > 0 {
		s.refreshOnlineList()
	}
}

// engaged reports whether username is part of any proposed or ongoing party.
func (s *Server) engaged(username string) bool {
	for _, party := range s.proposed {
		if party.initiator.Account.Username == username || party.recipient.Account.Username == username {
			return true
		}
	}
	for _, party := range s.ongoing {
		if party.initiator.Account.Username == username || party.recipient.Account.Username == username {
			return true
		}
	}
	return false
}

// findOngoing locates the ongoing party containing username, returning its
// index, the member's own connection and the counterpart's.
func (s *Server) findOngoing(username string) (int, *Connection, *Connection) {
	for i, party := range s.ongoing {
		if party.initiator.Account.Username == username {
			return i, party.initiator, party.recipient
		}
		if party.recipient.Account.Username == username {
			return i, party.recipient, party.initiator
		}
	}
	return -1, nil, nil
}

// endConversation tears down the ongoing party at idx: both statuses return to
// Open, the party leaves the ongoing set, and the remaining side is notified
// best effort.
func (s *Server) endConversation(idx int, leaver string, remaining *Connection) {
	party := s.ongoing[idx]
	party.initiator.Status = StatusOpen
	party.recipient.Status = StatusOpen
	s.ongoing = append(s.ongoing[:idx], s.ongoing[idx+1:]...)
	log.Printf("Conversation between %s and %s has ended", leaver, remaining.Account.Username)
	s.sendTo(remaining.Account.Username, protocol.New(protocol.TypeLeaveConversation))
}
