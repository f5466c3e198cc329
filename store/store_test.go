package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// openBackends builds one store per backend so every contract test runs
// against both.
func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	fileStore, err := Open("file", filepath.Join(dir, "accounts.dat"))
	if err != nil {
		t.Fatalf("Failed to open file store: %v", err)
	}
	sqlStore, err := Open("sqlite", filepath.Join(dir, "accounts.db"))
	if err != nil {
		t.Fatalf("Failed to open sqlite store: %v", err)
	}

	t.Cleanup(func() {
		fileStore.Close()
		sqlStore.Close()
	})
	return map[string]Store{"file": fileStore, "sqlite": sqlStore}
}

func TestCreateAndGet(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Create("alice", "wonder"); err != nil {
				t.Fatalf("Create: %v", err)
			}

			acc, err := s.Get("alice")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if acc.Username != "alice" || acc.Password != "wonder" || acc.Standing != Active {
				t.Errorf("Round trip mismatch: %+v", acc)
			}
		})
	}
}

func TestGetUnknown(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Get("nobody"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestCreateDuplicate(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Create("bob", "one"); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if err := s.Create("bob", "two"); !errors.Is(err, ErrExists) {
				t.Errorf("Expected ErrExists, got %v", err)
			}
			// The original record survives the failed attempt.
			acc, err := s.Get("bob")
			if err != nil || acc.Password != "one" {
				t.Errorf("Expected original password to survive, got %+v (%v)", acc, err)
			}
		})
	}
}

// TestSetPassword checks the change lands and every other record is
// untouched.
func TestSetPassword(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			for _, u := range []string{"alice", "bob", "carol"} {
				if err := s.Create(u, "pw-"+u); err != nil {
					t.Fatalf("Create %s: %v", u, err)
				}
			}

			if err := s.SetPassword("bob", "changed"); err != nil {
				t.Fatalf("SetPassword: %v", err)
			}

			acc, err := s.Get("bob")
			if err != nil || acc.Password != "changed" {
				t.Errorf("Expected changed password, got %+v (%v)", acc, err)
			}
			for _, u := range []string{"alice", "carol"} {
				acc, err := s.Get(u)
				if err != nil || acc.Password != "pw-"+u || acc.Standing != Active {
					t.Errorf("Record %s disturbed by unrelated change: %+v (%v)", u, acc, err)
				}
			}

			if err := s.SetPassword("nobody", "x"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestSetStanding(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Create("mallory", "pw"); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if err := s.SetStanding("mallory", Banned); err != nil {
				t.Fatalf("SetStanding: %v", err)
			}

			acc, err := s.Get("mallory")
			if err != nil || acc.Standing != Banned {
				t.Errorf("Expected banned standing, got %+v (%v)", acc, err)
			}

			if err := s.SetStanding("mallory", Active); err != nil {
				t.Fatalf("SetStanding back: %v", err)
			}
			acc, _ = s.Get("mallory")
			if acc.Standing != Active {
				t.Errorf("Expected active standing after unban, got %+v", acc)
			}
		})
	}
}

func TestUsernames(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			for _, u := range []string{"zed", "amy"} {
				if err := s.Create(u, "pw"); err != nil {
					t.Fatalf("Create %s: %v", u, err)
				}
			}
			names, err := s.Usernames()
			if err != nil {
				t.Fatalf("Usernames: %v", err)
			}
			if len(names) != 2 {
				t.Errorf("Expected 2 usernames, got %v", names)
			}
		})
	}
}

// TestFileStoreObfuscation checks stored usernames and passwords never appear
// in the clear on disk.
func TestFileStoreObfuscation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.dat")
	s, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer s.Close()

	if err := s.Create("secretuser", "secretword"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.Contains(string(raw), "secretuser") || strings.Contains(string(raw), "secretword") {
		t.Error("Account file contains plaintext credentials")
	}
}

// TestFileStoreRewriteOrder checks a rewrite leaves the file sorted by
// upper-cased leading character.
func TestFileStoreRewriteOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.dat")
	s, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer s.Close()

	for _, u := range []string{"zoe", "Adam", "mike", "7pin"} {
		if err := s.Create(u, "pw"); err != nil {
			t.Fatalf("Create %s: %v", u, err)
		}
	}

	// Any update rewrites the whole file in stable order.
	if err := s.SetPassword("mike", "pw2"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}

	names, err := s.Usernames()
	if err != nil {
		t.Fatalf("Usernames: %v", err)
	}
	expected := []string{"7pin", "Adam", "mike", "zoe"}
	if len(names) != len(expected) {
		t.Fatalf("Expected %v, got %v", expected, names)
	}
	for i := range expected {
		if names[i] != expected[i] {
			t.Fatalf("Expected order %v, got %v", expected, names)
		}
	}
}

// TestFileStoreReload checks records survive reopening the file.
func TestFileStoreReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.dat")
	s, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if err := s.Create("alice", "wonder"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.Close()

	reopened, err := OpenFile(path)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer reopened.Close()

	acc, err := reopened.Get("alice")
	if err != nil || acc.Password != "wonder" || acc.Standing != Active {
		t.Errorf("Expected record to survive reload, got %+v (%v)", acc, err)
	}
}

// TestSQLStoreCorruptStanding checks an externally emptied standing column
// surfaces as a read error instead of crashing.
func TestSQLStoreCorruptStanding(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.db")
	s, err := OpenSQL(path)
	if err != nil {
		t.Fatalf("OpenSQL: %v", err)
	}
	defer s.Close()

	if err := s.Create("mangled", "pw"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.(*sqlStore).conn.Exec("UPDATE accounts SET standing = '' WHERE username = ?", "mangled"); err != nil {
		t.Fatalf("Exec: %v", err)
	}

	if _, err := s.Get("mangled"); err == nil {
		t.Error("Expected an error for an empty standing column")
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open("etcd", "whatever"); err == nil {
		t.Error("Expected error for unknown backend")
	}
}
