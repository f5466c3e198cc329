package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

var (
	ErrBadUsername    = errors.New("username must be 1-15 alphanumeric characters")
	ErrBadCredentials = errors.New("invalid credential block")
)

// Intent says what the client wants done with the submitted credentials.
type Intent uint8

const (
	IntentLogin    Intent = 1
	IntentRegister Intent = 2
)

// Credential block layout: username (16, NUL padded), password (32, NUL
// padded), intent (1).
const (
	usernameField   = 16
	passwordField   = 32
	CredentialsSize = usernameField + passwordField + 1

	MaxUsername = usernameField - 1
	MaxPassword = passwordField
)

// challengeKey keys the handshake transform. Both ends ship the same key; the
// exchange proves the peer speaks this protocol, it is not an authentication
// boundary.
var challengeKey = []byte("duochat-hs-key-1")

// Credentials is the fixed-size block the client submits right after the
// handshake, before normal packet framing begins.
type Credentials struct {
	Username string
	Password string
	Intent   Intent
}

// ValidUsername reports whether name fits the account rules: 1-15 alphanumeric
// characters, case-sensitive.
func ValidUsername(name string) bool {
	if len(name) == 0 || len(name) > MaxUsername {
		return false
	}
	for _, r := range name {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		default:
			return false
		}
	}
	return true
}

// NewChallenge draws a random 64-bit handshake challenge.
func NewChallenge() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// SolveChallenge derives the expected handshake response: a keyed BLAKE2b
// digest of the challenge bytes, truncated to 64 bits. Deterministic and a
// genuine function of its input, so a peer that does not know the transform
// cannot fake a response.
func SolveChallenge(challenge uint64) uint64 {
	h, err := blake2b.New256(challengeKey)
	if err != nil {
		panic("protocol: blake2b key rejected: " + err.Error())
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], challenge)
	h.Write(buf[:])
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum[:8])
}

// WriteU64 sends one raw 64-bit handshake value.
func WriteU64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// ReadU64 reads one raw 64-bit handshake value.
func ReadU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// EncodeCredentials packs c into the fixed wire block.
func EncodeCredentials(c Credentials) ([]byte, error) {
	if !ValidUsername(c.Username) {
		return nil, ErrBadUsername
	}
	if len(c.Password) == 0 || len(c.Password) > MaxPassword {
		return nil, fmt.Errorf("%w: password length %d", ErrBadCredentials, len(c.Password))
	}
	if c.Intent != IntentLogin && c.Intent != IntentRegister {
		return nil, fmt.Errorf("%w: intent %d", ErrBadCredentials, c.Intent)
	}
	block := make([]byte, CredentialsSize)
	copy(block[:usernameField], c.Username)
	copy(block[usernameField:usernameField+passwordField], c.Password)
	block[CredentialsSize-1] = byte(c.Intent)
	return block, nil
}

// DecodeCredentials unpacks a credential block, trimming the NUL padding.
func DecodeCredentials(block []byte) (Credentials, error) {
	if len(block) != CredentialsSize {
		return Credentials{}, ErrBadCredentials
	}
	c := Credentials{
		Username: trimNUL(block[:usernameField]),
		Password: trimNUL(block[usernameField : usernameField+passwordField]),
		Intent:   Intent(block[CredentialsSize-1]),
	}
	if !ValidUsername(c.Username) {
		return Credentials{}, ErrBadUsername
	}
	if c.Password == "" {
		return Credentials{}, fmt.Errorf("%w: empty password", ErrBadCredentials)
	}
	if c.Intent != IntentLogin && c.Intent != IntentRegister {
		return Credentials{}, fmt.Errorf("%w: intent %d", ErrBadCredentials, c.Intent)
	}
	return c, nil
}

func trimNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
