package store

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
)

// fileStore keeps accounts in an append-only text file, one record per line:
// an obfuscated two-digit length prefix, the obfuscated username, then the
// obfuscated "password status" pair. The obfuscation is a positional XOR
// keystream (hex-armored so cipher output never collides with the record
// separator). It is a compatibility placeholder, not a security boundary; the
// contract is round-trip fidelity only.
type fileStore struct {
	mu   sync.Mutex
	path string
}

// storeKey is the fixed keystream for the length prefix and username fields.
// The password field is keyed by a per-username salted stream so identical
// passwords do not share ciphertext.
const storeKey = "=XrH'EW6!*K$98&3"

type record struct {
	username string
	password string
	standing Standing
}

// OpenFile opens (creating if needed) a file-backed account store.
func OpenFile(path string) (Store, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return nil, err
	}
	f.Close()
	return &fileStore{path: path}, nil
}

func (s *fileStore) Get(username string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll()
	if err != nil {
		return Account{}, err
	}
	for _, r := range records {
		if r.username == username {
			return Account{Username: r.username, Password: r.password, Standing: r.standing}, nil
		}
	}
	return Account{}, ErrNotFound
}

func (s *fileStore) Create(username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll()
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.username == username {
			return ErrExists
		}
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(encodeRecord(record{username, password, Active}) + "\n"); err != nil {
		return err
	}
	return f.Sync()
}

func (s *fileStore) SetPassword(username, newPassword string) error {
	return s.update(username, func(r *record) { r.password = newPassword })
}

func (s *fileStore) SetStanding(username string, standing Standing) error {
	return s.update(username, func(r *record) { r.standing = standing })
}

func (s *fileStore) Usernames() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(records))
	for _, r := range records {
		names = append(names, r.username)
	}
	return names, nil
}

func (s *fileStore) Close() error {
	return nil
}

// update rewrites the whole file with mutate applied to the matching record.
// Every other record round-trips unchanged, and the rewritten file keeps a
// stable order by upper-cased leading character.
func (s *fileStore) update(username string, mutate func(*record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll()
	if err != nil {
		return err
	}
	found := false
	for i := range records {
		if records[i].username == username {
			mutate(&records[i])
			found = true
			break
		}
	}
	if !found {
		return ErrNotFound
	}

	sort.SliceStable(records, func(i, j int) bool {
		return leadingChar(records[i].username) < leadingChar(records[j].username)
	})

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, r := range records {
		if _, err := w.WriteString(encodeRecord(r) + "\n"); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.path)
}

func leadingChar(username string) byte {
	c := username[0]
	if c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}
	return c
}

func (s *fileStore) readAll() ([]record, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []record
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		r, err := decodeRecord(line)
		if err != nil {
			return nil, fmt.Errorf("account file line %d: %w", lineNo, err)
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func encodeRecord(r record) string {
	prefix := fmt.Sprintf("%02d", len(r.username))
	combo := r.password + " " + string(r.standing)
	return hex.EncodeToString(xorKeystream([]byte(prefix), storeKey)) +
		hex.EncodeToString(xorKeystream([]byte(r.username), storeKey)) +
		hex.EncodeToString(xorKeystream([]byte(combo), saltedKey(r.username)))
}

func decodeRecord(line string) (record, error) {
	// Length prefix: two obfuscated decimal digits, 4 hex chars.
	if len(line) < 4 {
		return record{}, fmt.Errorf("truncated record")
	}
	prefixRaw, err := hex.DecodeString(line[:4])
	if err != nil {
		return record{}, fmt.Errorf("length prefix: %w", err)
	}
	nameLen, err := strconv.Atoi(string(xorKeystream(prefixRaw, storeKey)))
	if err != nil || nameLen <= 0 {
		return record{}, fmt.Errorf("length prefix value")
	}

	nameEnd := 4 + nameLen*2
	if len(line) < nameEnd {
		return record{}, fmt.Errorf("truncated username")
	}
	nameRaw, err := hex.DecodeString(line[4:nameEnd])
	if err != nil {
		return record{}, fmt.Errorf("username: %w", err)
	}
	username := string(xorKeystream(nameRaw, storeKey))

	comboRaw, err := hex.DecodeString(line[nameEnd:])
	if err != nil {
		return record{}, fmt.Errorf("password field: %w", err)
	}
	combo := string(xorKeystream(comboRaw, saltedKey(username)))
	sep := -1
	for i := len(combo) - 1; i >= 0; i-- {
		if combo[i] == ' ' {
			sep = i
			break
		}
	}
	if sep < 0 || sep != len(combo)-2 {
		return record{}, fmt.Errorf("password field layout")
	}
	standing := Standing(combo[len(combo)-1])
	if standing != Active && standing != Banned {
		return record{}, fmt.Errorf("standing byte %q", combo[len(combo)-1])
	}
	return record{username: username, password: combo[:sep], standing: standing}, nil
}

func xorKeystream(data []byte, key string) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ key[i%len(key)]
	}
	return out
}

// saltedKey mixes the username into the base key so the password field of each
// record runs under its own keystream.
func saltedKey(username string) string {
	n := (len(username) + len(storeKey)) / 2
	mixed := make([]byte, n)
	for i := 0; i < n; i++ {
		u := username[i%len(username)]
		k := storeKey[i%len(storeKey)]
		mixed[i] = (u & k) ^ k
	}
	return string(mixed)
}
