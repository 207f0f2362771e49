// Package auth implements account registration, login, and stateless bearer
// tokens for the API surface.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Role defines the access level carried by a token.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserExists         = errors.New("username already taken")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

var usernameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("pathwarden-timing-pad"), bcrypt.DefaultCost)

// ValidateUsername enforces the account naming rule.
func ValidateUsername(username string) error {
	if !usernameRe.MatchString(username) {
		return fmt.Errorf("username must match [A-Za-z0-9_.-]{3,32}")
	}
	return nil
}

// ValidatePassword enforces complexity: at least 8 characters with upper,
// lower, digit, and special.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}
	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			special = true
		}
	}
	if !upper || !lower || !digit || !special {
		return fmt.Errorf("password must contain upper, lower, digit and special characters")
	}
	return nil
}

// Claims is the JWT payload.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Manager handles registration, login, and token verification.
type Manager struct {
	store  *UserStore
	secret []byte
	ttl    time.Duration
	logger *slog.Logger
}

// NewManager creates the auth manager.
func NewManager(store *UserStore, secret string, ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl == 0 {
		ttl = 8 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		secret: []byte(secret),
		ttl:    ttl,
		logger: logger.With("component", "auth.Manager"),
	}
}

// Register validates and creates an account with the user role.
func (m *Manager) Register(username, password string) (*User, error) {
	return m.register(username, password, RoleUser)
}

func (m *Manager) register(username, password string, role Role) (*User, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	existing, err := m.store.Get(username)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if existing != nil {
		return nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	u := &User{
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.store.Insert(u); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	m.logger.Info("user registered", "username", username, "role", role)
	return u, nil
}

// Login verifies credentials and issues a signed bearer token.
func (m *Manager) Login(username, password string) (string, *User, error) {
	u, err := m.store.Get(username)
	if err != nil {
		return "", nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if u == nil {
		// Burn comparable time so absent users are indistinguishable.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return "", nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	token, err := m.issue(u)
	if err != nil {
		return "", nil, err
	}
	m.logger.Info("user logged in", "username", username)
	return token, u, nil
}

func (m *Manager) issue(u *User) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(u.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a bearer token.
func (m *Manager) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Bootstrap seeds an admin account when the store is empty and credentials
// are configured.
func (m *Manager) Bootstrap(username, password string) error {
	if username == "" || password == "" {
		return nil
	}
	n, err := m.store.Count()
	if err != nil {
		return fmt.Errorf("failed to count users: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := m.register(username, password, RoleAdmin); err != nil {
		return fmt.Errorf("failed to bootstrap admin: %w", err)
	}
	m.logger.Info("bootstrap admin created", "username", username)
	return nil
}
