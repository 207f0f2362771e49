package auth

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T, ttl time.Duration) *Manager {
	t.Helper()
	store, err := NewUserStore(filepath.Join(t.TempDir(), "users.db"))
	if err != nil {
		t.Fatalf("NewUserStore: %v", err)
	}
	if err := store.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(store, "test-secret", ttl, logger)
}

func TestRegisterAndLogin(t *testing.T) {
	m := newTestManager(t, time.Hour)

	u, err := m.Register("alice", "Str0ng!pass")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.Role != RoleUser {
		t.Errorf("role = %s, want user", u.Role)
	}

	token, logged, err := m.Login("alice", "Str0ng!pass")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if logged.Username != "alice" {
		t.Errorf("username = %s", logged.Username)
	}

	claims, err := m.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "alice" || claims.Role != string(RoleUser) {
		t.Errorf("claims = (%s, %s)", claims.Subject, claims.Role)
	}
}

func TestLogin_BadCredentials(t *testing.T) {
	m := newTestManager(t, time.Hour)
	if _, err := m.Register("alice", "Str0ng!pass"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, _, err := m.Login("alice", "wrong-Pass1!"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: err = %v", err)
	}
	if _, _, err := m.Login("nobody", "Str0ng!pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("absent user: err = %v", err)
	}
}

func TestRegister_DuplicateUsername(t *testing.T) {
	m := newTestManager(t, time.Hour)
	if _, err := m.Register("alice", "Str0ng!pass"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := m.Register("alice", "0ther!Pass"); !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate: err = %v", err)
	}
}

func TestValidateUsername(t *testing.T) {
	for _, ok := range []string{"abc", "user.name-x_1", "A234567890123456789012345678901b"} {
		if err := ValidateUsername(ok); err != nil {
			t.Errorf("ValidateUsername(%q) = %v, want nil", ok, err)
		}
	}
	for _, bad := range []string{"ab", "with space", "exclaim!", "A2345678901234567890123456789012x"} {
		if err := ValidateUsername(bad); err == nil {
			t.Errorf("ValidateUsername(%q) = nil, want error", bad)
		}
	}
}

func TestValidatePassword(t *testing.T) {
	if err := ValidatePassword("Str0ng!pass"); err != nil {
		t.Errorf("strong password rejected: %v", err)
	}
	for _, bad := range []string{"Sh0r!t", "nouppercase1!", "NOLOWERCASE1!", "NoDigits!!", "NoSpecial11"} {
		if err := ValidatePassword(bad); err == nil {
			t.Errorf("ValidatePassword(%q) = nil, want error", bad)
		}
	}
}

func TestVerify_RejectsExpiredAndForged(t *testing.T) {
	m := newTestManager(t, -time.Minute)
	if _, err := m.Register("alice", "Str0ng!pass"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	token, _, err := m.Login("alice", "Str0ng!pass")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := m.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired token: err = %v", err)
	}

	other := newTestManager(t, time.Hour)
	if _, err := other.Register("alice", "Str0ng!pass"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	foreign, _, err := other.Login("alice", "Str0ng!pass")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	forgedVerifier := NewManager(nil, "different-secret", time.Hour, nil)
	if _, err := forgedVerifier.Verify(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("foreign-signed token: err = %v", err)
	}
}

func TestBootstrap(t *testing.T) {
	m := newTestManager(t, time.Hour)

	if err := m.Bootstrap("root", "B00tstrap!pw"); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	_, u, err := m.Login("root", "B00tstrap!pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if u.Role != RoleAdmin {
		t.Errorf("bootstrap role = %s, want admin", u.Role)
	}

	// A non-empty store is left alone.
	if err := m.Bootstrap("root2", "B00tstrap!pw"); err != nil {
		t.Fatalf("second Bootstrap: %v", err)
	}
	if _, _, err := m.Login("root2", "B00tstrap!pw"); err == nil {
		t.Error("bootstrap must not run on a populated store")
	}

	// Blank credentials disable bootstrapping entirely.
	empty := newTestManager(t, time.Hour)
	if err := empty.Bootstrap("", ""); err != nil {
		t.Fatalf("blank Bootstrap: %v", err)
	}
}

func TestRateLimiter(t *testing.T) {
	r := NewRateLimiter(3)

	for i := 0; i < 3; i++ {
		if !r.Allow("10.0.0.1") {
			t.Fatalf("attempt %d unexpectedly limited", i)
		}
	}
	if r.Allow("10.0.0.1") {
		t.Error("burst exhausted, expected limit")
	}
	// Other IPs are tracked independently.
	if !r.Allow("10.0.0.2") {
		t.Error("fresh IP must not be limited")
	}
}

func TestRateLimiter_StateSurvivesNewEntries(t *testing.T) {
	r := NewRateLimiter(1)

	if !r.Allow("10.0.0.1") {
		t.Fatal("first attempt unexpectedly limited")
	}
	// Inserting entries for other IPs must not reset existing limiter state.
	r.Allow("10.0.0.2")
	r.Allow("10.0.0.3")
	if r.Allow("10.0.0.1") {
		t.Error("exhausted limiter was replaced by a fresh one")
	}
}
