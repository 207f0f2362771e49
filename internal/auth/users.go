package auth

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// User is an API account. The password hash never leaves this package.
type User struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserStore persists accounts in SQLite.
type UserStore struct {
	db *sql.DB
}

// NewUserStore opens the user database.
func NewUserStore(path string) (*UserStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return &UserStore{db: db}, nil
}

func (s *UserStore) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		username      TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		role          TEXT NOT NULL DEFAULT 'user',
		created_at    DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *UserStore) Close() error {
	return s.db.Close()
}

// Insert adds a user. Duplicate usernames surface as an error from the
// primary key constraint.
func (s *UserStore) Insert(u *User) error {
	_, err := s.db.Exec(`INSERT INTO users (username, password_hash, role, created_at) VALUES (?, ?, ?, ?)`,
		u.Username, u.PasswordHash, string(u.Role), u.CreatedAt)
	return err
}

// Get returns the user, or nil when absent.
func (s *UserStore) Get(username string) (*User, error) {
	u := &User{}
	var role string
	err := s.db.QueryRow(`SELECT username, password_hash, role, created_at FROM users WHERE username = ?`, username).Scan(
		&u.Username, &u.PasswordHash, &role, &u.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Role = Role(role)
	return u, nil
}

// Count returns the number of accounts.
func (s *UserStore) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}
