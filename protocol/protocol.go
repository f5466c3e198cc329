// Package protocol defines the wire format shared by the duochat server and
// client: a length-framed packet envelope, the handshake exchange that precedes
// normal framing, and the fixed credential block.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	ErrFraming     = errors.New("invalid packet framing")
	ErrPayloadKind = errors.New("payload kind mismatch for packet type")
)

// MaxPayload bounds the declared body length. A header announcing more than
// this is treated as corruption and is fatal for the connection.
const MaxPayload = 1 << 20

// HeaderSize is the fixed wire header: type (u16) + length (u32).
const HeaderSize = 6

// Type tags one packet. The tag alone determines how the body is interpreted.
type Type uint16

const (
	TypeAccept Type = iota
	TypeReject
	TypeOnlineList
	TypeMessage
	TypeBroadcastMessage
	TypeServerNotice
	TypeChatRequest
	TypeChatAlert
	TypeChatAlertResponse
	TypeChatResponse
	TypeLeaveConversation
	TypeForceDisconnect
	TypeClientExit
	TypeChangePassword
)

// Kind says how a packet body travels on the wire. It is a static property of
// the type, fixed in the registry below, never inferred per message.
type Kind uint8

const (
	KindNone Kind = iota
	KindBinary
	KindText
)

// registry maps every known type to its payload kind. A type absent from the
// table is unknown to this protocol revision and fails header decoding.
var registry = map[Type]Kind{
	TypeAccept:            KindNone,
	TypeReject:            KindBinary,
	TypeOnlineList:        KindText,
	TypeMessage:           KindText,
	TypeBroadcastMessage:  KindText,
	TypeServerNotice:      KindText,
	TypeChatRequest:       KindText,
	TypeChatAlert:         KindText,
	TypeChatAlertResponse: KindText,
	TypeChatResponse:      KindText,
	TypeLeaveConversation: KindText,
	TypeForceDisconnect:   KindNone,
	TypeClientExit:        KindNone,
	TypeChangePassword:    KindText,
}

var typeNames = map[Type]string{
	TypeAccept:            "accept",
	TypeReject:            "reject",
	TypeOnlineList:        "online-list",
	TypeMessage:           "message",
	TypeBroadcastMessage:  "broadcast",
	TypeServerNotice:      "notice",
	TypeChatRequest:       "chat-request",
	TypeChatAlert:         "chat-alert",
	TypeChatAlertResponse: "chat-alert-response",
	TypeChatResponse:      "chat-response",
	TypeLeaveConversation: "leave-conversation",
	TypeForceDisconnect:   "force-disconnect",
	TypeClientExit:        "client-exit",
	TypeChangePassword:    "change-password",
}

func (t Type) Kind() (Kind, bool) {
	k, ok := registry[t]
	return k, ok
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown(" + strconv.Itoa(int(t)) + ")"
}

// Reject reason codes, carried as the binary body of a TypeReject packet.
const (
	RejectUsernameTaken     uint32 = 0
	RejectUsernameNotFound  uint32 = 1
	RejectIncorrectPassword uint32 = 2
	RejectStoreWriteFailed  uint32 = 3
	RejectStoreReadFailed   uint32 = 4
	RejectAlreadyOnline     uint32 = 5
	RejectAccountBanned     uint32 = 6
)

// ChatResponse outcome codes, carried in the text body of a TypeChatResponse
// packet as "username:code".
const (
	ChatAccepted        uint32 = 0
	ChatNoOneOnline     uint32 = 1
	ChatUserNotFound    uint32 = 2
	ChatUserBusy        uint32 = 3
	ChatUserUnreachable uint32 = 4
	ChatRejected        uint32 = 5
)

// Packet is one protocol envelope. The body holds the encoded payload; its
// interpretation (none, binary, text) follows from the type registry.
type Packet struct {
	Type Type
	Body []byte
}

// New builds an empty-bodied packet for KindNone types.
func New(t Type) Packet {
	return Packet{Type: t}
}

// NewText builds a text-bodied packet.
func NewText(t Type, s string) Packet {
	return Packet{Type: t, Body: []byte(s)}
}

// NewReject builds a rejection carrying the reason code.
func NewReject(code uint32) Packet {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, code)
	return Packet{Type: TypeReject, Body: body}
}

// NewChatResponse builds the final answer to a chat request: the counterpart
// username plus the outcome code.
func NewChatResponse(username string, code uint32) Packet {
	return NewText(TypeChatResponse, username+":"+strconv.FormatUint(uint64(code), 10))
}

// NewChatAlertResponse builds the receiver's answer to a chat alert.
func NewChatAlertResponse(receiver, initiator string, accepted bool) Packet {
	decision := "f"
	if accepted {
		decision = "t"
	}
	return NewText(TypeChatAlertResponse, receiver+":"+initiator+":"+decision)
}

// Text returns the body as character data.
func (p Packet) Text() string {
	return string(p.Body)
}

// RejectCode extracts the reason from a TypeReject body.
func (p Packet) RejectCode() (uint32, error) {
	if p.Type != TypeReject || len(p.Body) != 4 {
		return 0, ErrPayloadKind
	}
	return binary.LittleEndian.Uint32(p.Body), nil
}

// ChatResponseFields splits a TypeChatResponse body into the counterpart
// username and the outcome code.
func (p Packet) ChatResponseFields() (username string, code uint32, err error) {
	if p.Type != TypeChatResponse {
		return "", 0, ErrPayloadKind
	}
	text := p.Text()
	idx := strings.LastIndex(text, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("%w: chat response %q", ErrFraming, text)
	}
	n, err := strconv.ParseUint(text[idx+1:], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("%w: chat response code: %v", ErrFraming, err)
	}
	return text[:idx], uint32(n), nil
}

// ChatAlertResponseFields splits a TypeChatAlertResponse body into the
// receiver, the initiator, and the decision.
func (p Packet) ChatAlertResponseFields() (receiver, initiator string, accepted bool, err error) {
	if p.Type != TypeChatAlertResponse {
		return "", "", false, ErrPayloadKind
	}
	parts := strings.SplitN(p.Text(), ":", 3)
	if len(parts) != 3 {
		return "", "", false, fmt.Errorf("%w: alert response %q", ErrFraming, p.Text())
	}
	return parts[0], parts[1], parts[2] == "t", nil
}

// EncodeHeader writes the 6-byte header for p into buf.
func EncodeHeader(p Packet, buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrFraming
	}
	if _, ok := p.Type.Kind(); !ok {
		return fmt.Errorf("%w: unknown type %d", ErrFraming, p.Type)
	}
	if len(p.Body) > MaxPayload {
		return fmt.Errorf("%w: body of %d bytes", ErrFraming, len(p.Body))
	}
	binary.LittleEndian.PutUint16(buf[0:2], uint16(p.Type))
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(p.Body)))
	return nil
}

// DecodeHeader reads a header, validating the type against the registry and
// the declared length against MaxPayload. Either failure is fatal framing
// corruption; there is no checksum to fall back on.
func DecodeHeader(buf []byte) (t Type, kind Kind, length uint32, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, 0, ErrFraming
	}
	t = Type(binary.LittleEndian.Uint16(buf[0:2]))
	length = binary.LittleEndian.Uint32(buf[2:6])
	kind, ok := t.Kind()
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: unknown type %d", ErrFraming, t)
	}
	if length > MaxPayload {
		return 0, 0, 0, fmt.Errorf("%w: declared length %d", ErrFraming, length)
	}
	if kind == KindNone && length != 0 {
		return 0, 0, 0, fmt.Errorf("%w: %s carries no body but declared %d bytes", ErrFraming, t, length)
	}
	return t, kind, length, nil
}

// WritePacket writes one complete frame: header, then body if non-empty.
func WritePacket(w io.Writer, p Packet) error {
	var header [HeaderSize]byte
	if err := EncodeHeader(p, header[:]); err != nil {
		return err
	}
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(p.Body) > 0 {
		if _, err := w.Write(p.Body); err != nil {
			return err
		}
	}
	return nil
}

// ReadPacket reads one complete frame. A zero declared length skips the body
// read entirely.
func ReadPacket(r io.Reader) (Packet, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Packet{}, err
	}
	t, _, length, err := DecodeHeader(header[:])
	if err != nil {
		return Packet{}, err
	}
	p := Packet{Type: t}
	if length > 0 {
		p.Body = make([]byte, length)
		if _, err := io.ReadFull(r, p.Body); err != nil {
			return Packet{}, err
		}
	}
	return p, nil
}
