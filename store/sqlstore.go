package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// sqlStore keeps accounts in sqlite. The password column is stored verbatim so
// the backend honors the same round-trip contract as the file store.
type sqlStore struct {
	conn *sql.DB
}

// OpenSQL opens (creating if needed) a sqlite-backed account store.
func OpenSQL(path string) (Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	s := &sqlStore{conn: conn}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) init() error {
	_, err := s.conn.Exec(`CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		password TEXT NOT NULL,
		standing TEXT NOT NULL DEFAULT 'A'
	)`)
	return err
}

func (s *sqlStore) Get(username string) (Account, error) {
	var acc Account
	var standing string
	err := s.conn.QueryRow(
		"SELECT username, password, standing FROM accounts WHERE username = ?",
		username,
	).Scan(&acc.Username, &acc.Password, &standing)
	if err == sql.ErrNoRows {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, err
	}
	if standing == "" {
		return Account{}, fmt.Errorf("account %s: empty standing column", username)
	}
	acc.Standing = Standing(standing[0])
	return acc, nil
}

func (s *sqlStore) Create(username, password string) error {
	var count int
	err := s.conn.QueryRow("SELECT COUNT(*) FROM accounts WHERE username = ?", username).Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return ErrExists
	}

	_, err = s.conn.Exec(
		"INSERT INTO accounts (username, password, standing) VALUES (?, ?, ?)",
		username, password, string(Active),
	)
	return err
}

func (s *sqlStore) SetPassword(username, newPassword string) error {
	result, err := s.conn.Exec(
		"UPDATE accounts SET password = ? WHERE username = ?",
		newPassword, username,
	)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (s *sqlStore) SetStanding(username string, standing Standing) error {
	result, err := s.conn.Exec(
		"UPDATE accounts SET standing = ? WHERE username = ?",
		string(standing), username,
	)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (s *sqlStore) Usernames() ([]string, error) {
	rows, err := s.conn.Query("SELECT username FROM accounts ORDER BY username")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqlStore) Close() error {
	return s.conn.Close()
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
