package protocol

import (
	"bytes"
	"errors"
	"testing"
)

// TestPacketRoundTrip checks Decode(Encode(p)) == p for every registered type.
func TestPacketRoundTrip(t *testing.T) {
	packets := []Packet{
		New(TypeAccept),
		NewReject(RejectIncorrectPassword),
		NewText(TypeOnlineList, "alice | Open\nbob | Chatting\n"),
		NewText(TypeMessage, "alice:hello there"),
		NewText(TypeBroadcastMessage, "alice:to everyone"),
		NewText(TypeServerNotice, "server shutting down: maintenance"),
		NewText(TypeChatRequest, "bob"),
		NewText(TypeChatAlert, "alice"),
		NewChatAlertResponse("bob", "alice", true),
		NewChatResponse("bob", ChatAccepted),
		NewText(TypeLeaveConversation, "alice"),
		New(TypeForceDisconnect),
		New(TypeClientExit),
		NewText(TypeChangePassword, "alice#newsecret"),
	}

	for _, p := range packets {
		var buf bytes.Buffer
		if err := WritePacket(&buf, p); err != nil {
			t.Fatalf("WritePacket(%s): %v", p.Type, err)
		}

		got, err := ReadPacket(&buf)
		if err != nil {
			t.Fatalf("ReadPacket(%s): %v", p.Type, err)
		}
		if got.Type != p.Type {
			t.Errorf("Type: expected %s, got %s", p.Type, got.Type)
		}
		if !bytes.Equal(got.Body, p.Body) {
			t.Errorf("%s body: expected %q, got %q", p.Type, p.Body, got.Body)
		}
	}
}

// TestZeroLengthBody checks that an empty packet is exactly one header and
// that decoding does not attempt a body read.
func TestZeroLengthBody(t *testing.T) {
	var buf bytes.Buffer
	if err := WritePacket(&buf, New(TypeAccept)); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if buf.Len() != HeaderSize {
		t.Errorf("Expected %d bytes on the wire, got %d", HeaderSize, buf.Len())
	}

	p, err := ReadPacket(&buf)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if p.Type != TypeAccept || len(p.Body) != 0 {
		t.Errorf("Expected empty accept packet, got %s with %d body bytes", p.Type, len(p.Body))
	}
}

func TestDecodeHeaderRejectsUnknownType(t *testing.T) {
	header := []byte{0xff, 0xff, 0, 0, 0, 0}
	if _, _, _, err := DecodeHeader(header); !errors.Is(err, ErrFraming) {
		t.Errorf("Expected ErrFraming for unknown type, got %v", err)
	}
}

func TestDecodeHeaderRejectsOversizeLength(t *testing.T) {
	var buf bytes.Buffer
	if err := WritePacket(&buf, NewText(TypeMessage, "x")); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	header := buf.Bytes()[:HeaderSize]
	// Corrupt the length field beyond MaxPayload.
	header[2], header[3], header[4], header[5] = 0xff, 0xff, 0xff, 0xff

	if _, _, _, err := DecodeHeader(header); !errors.Is(err, ErrFraming) {
		t.Errorf("Expected ErrFraming for corrupt length, got %v", err)
	}
}

func TestDecodeHeaderRejectsBodyOnBodylessType(t *testing.T) {
	var header [HeaderSize]byte
	if err := EncodeHeader(New(TypeAccept), header[:]); err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}
	header[2] = 8 // declare a body the type cannot carry

	if _, _, _, err := DecodeHeader(header[:]); !errors.Is(err, ErrFraming) {
		t.Errorf("Expected ErrFraming, got %v", err)
	}
}

func TestRejectCode(t *testing.T) {
	p := NewReject(RejectAccountBanned)
	code, err := p.RejectCode()
	if err != nil {
		t.Fatalf("RejectCode: %v", err)
	}
	if code != RejectAccountBanned {
		t.Errorf("Expected code %d, got %d", RejectAccountBanned, code)
	}

	if _, err := New(TypeAccept).RejectCode(); err == nil {
		t.Error("Expected error extracting reject code from accept packet")
	}
}

func TestChatResponseFields(t *testing.T) {
	p := NewChatResponse("bob", ChatUserBusy)
	user, code, err := p.ChatResponseFields()
	if err != nil {
		t.Fatalf("ChatResponseFields: %v", err)
	}
	if user != "bob" || code != ChatUserBusy {
		t.Errorf("Expected (bob, %d), got (%s, %d)", ChatUserBusy, user, code)
	}
}

func TestChatAlertResponseFields(t *testing.T) {
	p := NewChatAlertResponse("bob", "alice", false)
	receiver, initiator, accepted, err := p.ChatAlertResponseFields()
	if err != nil {
		t.Fatalf("ChatAlertResponseFields: %v", err)
	}
	if receiver != "bob" || initiator != "alice" || accepted {
		t.Errorf("Expected (bob, alice, false), got (%s, %s, %v)", receiver, initiator, accepted)
	}
}

// TestSolveChallenge checks the handshake transform is deterministic and a
// genuine function of its input.
func TestSolveChallenge(t *testing.T) {
	if SolveChallenge(12345) != SolveChallenge(12345) {
		t.Error("Transform is not deterministic")
	}
	if SolveChallenge(1) == SolveChallenge(2) {
		t.Error("Transform does not depend on its input")
	}
	if SolveChallenge(777) == 777 {
		t.Error("Transform is the identity")
	}
}

func TestNewChallengeVaries(t *testing.T) {
	a, err := NewChallenge()
	if err != nil {
		t.Fatalf("NewChallenge: %v", err)
	}
	b, err := NewChallenge()
	if err != nil {
		t.Fatalf("NewChallenge: %v", err)
	}
	if a == b {
		t.Error("Two challenges were identical")
	}
}

func TestCredentialsRoundTrip(t *testing.T) {
	c := Credentials{Username: "alice99", Password: "s3cret", Intent: IntentRegister}
	block, err := EncodeCredentials(c)
	if err != nil {
		t.Fatalf("EncodeCredentials: %v", err)
	}
	if len(block) != CredentialsSize {
		t.Fatalf("Expected %d byte block, got %d", CredentialsSize, len(block))
	}

	got, err := DecodeCredentials(block)
	if err != nil {
		t.Fatalf("DecodeCredentials: %v", err)
	}
	if got != c {
		t.Errorf("Expected %+v, got %+v", c, got)
	}
}

func TestCredentialsValidation(t *testing.T) {
	cases := []Credentials{
		{Username: "", Password: "pw", Intent: IntentLogin},
		{Username: "waytoolongusername", Password: "pw", Intent: IntentLogin},
		{Username: "has space", Password: "pw", Intent: IntentLogin},
		{Username: "no|pipe", Password: "pw", Intent: IntentLogin},
		{Username: "alice", Password: "", Intent: IntentLogin},
		{Username: "alice", Password: "pw", Intent: 0},
	}

	for _, c := range cases {
		if _, err := EncodeCredentials(c); err == nil {
			t.Errorf("Expected error encoding %+v", c)
		}
	}
}

func TestValidUsername(t *testing.T) {
	valid := []string{"a", "Alice", "bob42", "ABCDEFGHIJKLMNO"}
	for _, name := range valid {
		if !ValidUsername(name) {
			t.Errorf("Expected %q to be valid", name)
		}
	}

	invalid := []string{"", "ABCDEFGHIJKLMNOP", "with space", "naïve", "semi;colon"}
	for _, name := range invalid {
		if ValidUsername(name) {
			t.Errorf("Expected %q to be invalid", name)
		}
	}
}
