package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultSessionTTL = 30 * 24 * time.Hour
	tokenBytes        = 32
)

var (
	ErrInvalidUsername    = errors.New("invalid username")
	ErrInvalidPassword    = errors.New("invalid password")
	ErrUsernameTaken      = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_.-]{2,31}$`)

// Manager is the in-memory backend for single-binary deployment.
type Manager struct {
	mu sync.Mutex

	sessionTTL time.Duration
	sessions   map[string]sessionRecord // token -> account
	byID       map[string]accountRecord
	byUsername map[string]string // normalized username -> account id
}

type sessionRecord struct {
	AccountID string
	ExpiresAt time.Time
}

type accountRecord struct {
	AccountID    string
	Username     string
	PasswordHash []byte
	LastLoginAt  time.Time
}

func NewManager() *Manager {
	return &Manager{
		sessionTTL: defaultSessionTTL,
		sessions:   make(map[string]sessionRecord),
		byID:       make(map[string]accountRecord),
		byUsername: make(map[string]string),
	}
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func validateUsername(username string) error {
	if !usernamePattern.MatchString(strings.TrimSpace(username)) {
		return ErrInvalidUsername
	}
	return nil
}

func validatePassword(password string) error {
	// bcrypt truncates past 72 bytes
	if len(password) < 6 || len(password) > 72 {
		return ErrInvalidPassword
	}
	return nil
}

func (m *Manager) issueSessionLocked(accountID string, now time.Time) string {
	token := mustToken()
	m.sessions[token] = sessionRecord{
		AccountID: accountID,
		ExpiresAt: now.Add(m.sessionTTL),
	}
	return token
}

// Register creates an account and returns an authenticated session token.
func (m *Manager) Register(username, password string) (string, string, error) {
	if err := validateUsername(username); err != nil {
		return "", "", err
	}
	if err := validatePassword(password); err != nil {
		return "", "", err
	}

	normalized := normalizeUsername(username)
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byUsername[normalized]; exists {
		return "", "", ErrUsernameTaken
	}

	now := time.Now()
	accountID := uuid.NewString()
	m.byID[accountID] = accountRecord{
		AccountID:    accountID,
		Username:     normalized,
		PasswordHash: passwordHash,
		LastLoginAt:  now,
	}
	m.byUsername[normalized] = accountID

	return accountID, m.issueSessionLocked(accountID, now), nil
}

// Login validates credentials and returns a fresh session token.
func (m *Manager) Login(username, password string) (string, string, error) {
	normalized := normalizeUsername(username)
	if normalized == "" || password == "" {
		return "", "", ErrInvalidCredentials
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	accountID, exists := m.byUsername[normalized]
	if !exists {
		return "", "", ErrInvalidCredentials
	}
	account := m.byID[accountID]
	if bcrypt.CompareHashAndPassword(account.PasswordHash, []byte(password)) != nil {
		return "", "", ErrInvalidCredentials
	}

	now := time.Now()
	account.LastLoginAt = now
	m.byID[accountID] = account
	return accountID, m.issueSessionLocked(accountID, now), nil
}

// ResolveSession validates a token and slides its expiry.
func (m *Manager) ResolveSession(token string) (string, string, bool) {
	if token == "" {
		return "", "", false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	rec, exists := m.sessions[token]
	if !exists {
		return "", "", false
	}
	if !now.Before(rec.ExpiresAt) {
		delete(m.sessions, token)
		return "", "", false
	}
	rec.ExpiresAt = now.Add(m.sessionTTL)
	m.sessions[token] = rec

	return rec.AccountID, m.byID[rec.AccountID].Username, true
}

// Logout invalidates one session token.
func (m *Manager) Logout(token string) {
	if token == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
}

func (m *Manager) Close() error { return nil }

func mustToken() string {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
