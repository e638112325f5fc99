package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	_ "modernc.org/sqlite"
)

const defaultLocalDBName = "ecosim_auth.db"

// SQLiteManager persists accounts and sessions for local deployments that
// should survive a restart.
type SQLiteManager struct {
	db         *sql.DB
	sessionTTL time.Duration
}

func NewSQLiteManagerFromEnv() (*SQLiteManager, error) {
	dbPath, err := authLocalDatabasePathFromEnv()
	if err != nil {
		return nil, err
	}
	return NewSQLiteManager(dbPath)
}

func NewSQLiteManager(dbPath string) (*SQLiteManager, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("empty sqlite database path")
	}
	if dbPath != ":memory:" {
		parent := filepath.Dir(dbPath)
		if parent != "" && parent != "." {
			if err := os.MkdirAll(parent, 0o755); err != nil {
				return nil, err
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensureSQLiteAuthSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteManager{db: db, sessionTTL: defaultSessionTTL}, nil
}

func (m *SQLiteManager) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}

func (m *SQLiteManager) Register(username, password string) (string, string, error) {
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

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return "", "", err
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM auth_accounts WHERE username = ?`, normalized).Scan(&existing)
	if err == nil {
		return "", "", ErrUsernameTaken
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", "", err
	}

	nowMs := time.Now().UTC().UnixMilli()
	accountID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO auth_accounts (id, username, password_hash, created_at_ms, last_login_ms)
VALUES (?, ?, ?, ?, ?)
`, accountID, normalized, passwordHash, nowMs, nowMs); err != nil {
		return "", "", err
	}

	token, err := m.insertSession(ctx, tx, accountID, nowMs)
	if err != nil {
		return "", "", err
	}
	if err := tx.Commit(); err != nil {
		return "", "", err
	}
	return accountID, token, nil
}

func (m *SQLiteManager) Login(username, password string) (string, string, error) {
	normalized := normalizeUsername(username)
	if normalized == "" || password == "" {
		return "", "", ErrInvalidCredentials
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var accountID string
	var passwordHash []byte
	err := m.db.QueryRowContext(ctx,
		`SELECT id, password_hash FROM auth_accounts WHERE username = ?`, normalized).
		Scan(&accountID, &passwordHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", ErrInvalidCredentials
		}
		return "", "", err
	}
	if bcrypt.CompareHashAndPassword(passwordHash, []byte(password)) != nil {
		return "", "", ErrInvalidCredentials
	}

	nowMs := time.Now().UTC().UnixMilli()
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return "", "", err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE auth_accounts SET last_login_ms = ? WHERE id = ?`, nowMs, accountID); err != nil {
		return "", "", err
	}
	token, err := m.insertSession(ctx, tx, accountID, nowMs)
	if err != nil {
		return "", "", err
	}
	if err := tx.Commit(); err != nil {
		return "", "", err
	}
	return accountID, token, nil
}

func (m *SQLiteManager) ResolveSession(token string) (string, string, bool) {
	if token == "" {
		return "", "", false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var accountID, username string
	var expiresAtMs int64
	err := m.db.QueryRowContext(ctx, `
SELECT s.account_id, a.username, s.expires_at_ms
FROM auth_sessions s
JOIN auth_accounts a ON a.id = s.account_id
WHERE s.token = ?
`, token).Scan(&accountID, &username, &expiresAtMs)
	if err != nil {
		return "", "", false
	}

	nowMs := time.Now().UTC().UnixMilli()
	if nowMs >= expiresAtMs {
		_, _ = m.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE token = ?`, token)
		return "", "", false
	}

	// sliding expiry
	_, _ = m.db.ExecContext(ctx,
		`UPDATE auth_sessions SET expires_at_ms = ? WHERE token = ?`,
		nowMs+m.sessionTTL.Milliseconds(), token)
	return accountID, username, true
}

func (m *SQLiteManager) Logout(token string) {
	if token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _ = m.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE token = ?`, token)
}

func (m *SQLiteManager) insertSession(ctx context.Context, tx *sql.Tx, accountID string, nowMs int64) (string, error) {
	token := mustToken()
	_, err := tx.ExecContext(ctx, `
INSERT INTO auth_sessions (token, account_id, expires_at_ms, created_at_ms)
VALUES (?, ?, ?, ?)
`, token, accountID, nowMs+m.sessionTTL.Milliseconds(), nowMs)
	if err != nil {
		return "", err
	}
	return token, nil
}

func ensureSQLiteAuthSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`
CREATE TABLE IF NOT EXISTS auth_accounts (
    id TEXT PRIMARY KEY,
    username TEXT NOT NULL UNIQUE,
    password_hash BLOB NOT NULL,
    created_at_ms INTEGER NOT NULL,
    last_login_ms INTEGER NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS auth_sessions (
    token TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    expires_at_ms INTEGER NOT NULL,
    created_at_ms INTEGER NOT NULL,
    FOREIGN KEY (account_id) REFERENCES auth_accounts(id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_auth_sessions_account ON auth_sessions(account_id)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func authLocalDatabasePathFromEnv() (string, error) {
	candidates := []string{
		strings.TrimSpace(os.Getenv("AUTH_LOCAL_DATABASE_PATH")),
		strings.TrimSpace(os.Getenv("LOCAL_DATABASE_PATH")),
	}
	for _, candidate := range candidates {
		if candidate != "" {
			return filepath.Clean(candidate), nil
		}
	}

	userConfigDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(userConfigDir, "EcoSim", defaultLocalDBName), nil
}
