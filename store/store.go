// Package store persists duochat accounts. Two backends exist: the default
// obfuscated text file, and sqlite. Both satisfy the same round-trip contract:
// writing an account then reading it back yields the original username,
// password and standing.
package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("account not found")
	ErrExists   = errors.New("account already exists")
)

// Standing is the account state byte persisted alongside the password.
type Standing byte

const (
	Active Standing = 'A'
	Banned Standing = 'B'
)

func (s Standing) String() string {
	switch s {
	case Active:
		return "active"
	case Banned:
		return "banned"
	}
	return "unknown"
}

// Account is the in-memory copy of one persisted record.
type Account struct {
	Username string
	Password string
	Standing Standing
}

// Store is the account persistence contract consumed by the account gate.
type Store interface {
	// Get returns the account for username, or ErrNotFound.
	Get(username string) (Account, error)
	// Create appends a new Active account, or returns ErrExists.
	Create(username, password string) error
	// SetPassword rewrites the stored password, leaving every other record
	// untouched. Returns ErrNotFound for an unknown username.
	SetPassword(username, newPassword string) error
	// SetStanding flips the account state, e.g. to ban a user.
	SetStanding(username string, standing Standing) error
	// Usernames lists every stored username.
	Usernames() ([]string, error)
	Close() error
}

// Open builds the store selected by backend: "file" (default) or "sqlite".
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", "file":
		return OpenFile(path)
	case "sqlite":
		return OpenSQL(path)
	}
	return nil, fmt.Errorf("unknown store backend %q", backend)
}
