package auth

import (
	"errors"
	"testing"
)

func runManagerSuite(t *testing.T, newService func(t *testing.T) Service) {
	t.Run("register and login", func(t *testing.T) {
		m := newService(t)

		accountID, token, err := m.Register("alice_01", "secret12")
		if err != nil {
			t.Fatalf("register failed: %v", err)
		}
		if accountID == "" || token == "" {
			t.Fatalf("expected account id and token, got %q %q", accountID, token)
		}

		resolvedID, username, ok := m.ResolveSession(token)
		if !ok {
			t.Fatalf("expected valid session")
		}
		if resolvedID != accountID {
			t.Fatalf("expected same account id, got %s and %s", accountID, resolvedID)
		}
		if username != "alice_01" {
			t.Fatalf("expected username alice_01, got %s", username)
		}

		loginID, loginToken, err := m.Login("alice_01", "secret12")
		if err != nil {
			t.Fatalf("login failed: %v", err)
		}
		if loginID != accountID {
			t.Fatalf("expected same account id after login")
		}
		if loginToken == "" {
			t.Fatalf("expected login token")
		}
	})

	t.Run("duplicate username", func(t *testing.T) {
		m := newService(t)
		if _, _, err := m.Register("alice_01", "secret12"); err != nil {
			t.Fatalf("register failed: %v", err)
		}
		if _, _, err := m.Register("Alice_01", "secret12"); !errors.Is(err, ErrUsernameTaken) {
			t.Fatalf("expected ErrUsernameTaken, got %v", err)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		m := newService(t)
		if _, _, err := m.Register("alice_01", "secret12"); err != nil {
			t.Fatalf("register failed: %v", err)
		}
		if _, _, err := m.Login("alice_01", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("expected ErrInvalidCredentials, got %v", err)
		}
	})

	t.Run("logout invalidates session", func(t *testing.T) {
		m := newService(t)
		_, token, err := m.Register("alice_01", "secret12")
		if err != nil {
			t.Fatalf("register failed: %v", err)
		}
		m.Logout(token)
		if _, _, ok := m.ResolveSession(token); ok {
			t.Fatalf("expected logged out token to be invalid")
		}
	})

	t.Run("validation", func(t *testing.T) {
		m := newService(t)
		if _, _, err := m.Register("a", "secret12"); !errors.Is(err, ErrInvalidUsername) {
			t.Fatalf("short username err = %v", err)
		}
		if _, _, err := m.Register("alice_01", "short"); !errors.Is(err, ErrInvalidPassword) {
			t.Fatalf("short password err = %v", err)
		}
	})
}

func TestMemoryManager(t *testing.T) {
	runManagerSuite(t, func(t *testing.T) Service {
		return NewManager()
	})
}

func TestSQLiteManager(t *testing.T) {
	runManagerSuite(t, func(t *testing.T) Service {
		m, err := NewSQLiteManager(":memory:")
		if err != nil {
			t.Fatalf("NewSQLiteManager err: %v", err)
		}
		t.Cleanup(func() { _ = m.Close() })
		return m
	})
}

func TestNewServiceModes(t *testing.T) {
	svc, mode, err := NewService("memory")
	if err != nil {
		t.Fatalf("NewService memory err: %v", err)
	}
	defer svc.Close()
	if mode != ModeMemory {
		t.Fatalf("mode = %s, want memory", mode)
	}

	if _, _, err := NewService("oracle"); err == nil {
		t.Fatalf("expected error for unsupported mode")
	}
}
