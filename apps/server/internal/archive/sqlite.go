package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ecosim/econ"

	_ "modernc.org/sqlite"
)

const defaultLocalDBName = "ecosim_local.db"

type SQLiteService struct {
	db *sql.DB
}

func NewSQLiteServiceFromEnv() (*SQLiteService, error) {
	dbPath, err := archiveLocalDatabasePathFromEnv()
	if err != nil {
		return nil, err
	}
	return NewSQLiteService(dbPath)
}

func NewSQLiteService(dbPath string) (*SQLiteService, error) {
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
	if err := ensureSQLiteArchiveSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteService{db: db}, nil
}

func (s *SQLiteService) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteService) AppendQuarter(gameID string, quarter int, resolvedAt time.Time, state econ.State) {
	if strings.TrimSpace(gameID) == "" || quarter <= 0 {
		return
	}
	stateRaw, err := json.Marshal(state)
	if err != nil {
		log.Printf("[Archive] marshal state failed: game=%s quarter=%d err=%v", gameID, quarter, err)
		return
	}
	if resolvedAt.IsZero() {
		resolvedAt = time.Now().UTC()
	}
	nowMs := time.Now().UTC().UnixMilli()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO archive_quarters (
    game_id, quarter, resolved_at_ms, state_json, news, created_at_ms, updated_at_ms
)
VALUES (?, ?, ?, ?, '', ?, ?)
ON CONFLICT (game_id, quarter) DO UPDATE
SET
    resolved_at_ms = excluded.resolved_at_ms,
    state_json = excluded.state_json,
    updated_at_ms = excluded.updated_at_ms
`, gameID, quarter, resolvedAt.UnixMilli(), string(stateRaw), nowMs, nowMs)
	if err != nil {
		log.Printf("[Archive] append quarter failed: game=%s quarter=%d err=%v", gameID, quarter, err)
	}
}

func (s *SQLiteService) SetNarrative(gameID string, quarter int, news string) {
	if strings.TrimSpace(gameID) == "" || quarter <= 0 {
		return
	}
	nowMs := time.Now().UTC().UnixMilli()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
UPDATE archive_quarters
SET news = ?,
    updated_at_ms = ?
WHERE game_id = ?
  AND quarter = ?
`, news, nowMs, gameID, quarter)
	if err != nil {
		log.Printf("[Archive] set narrative failed: game=%s quarter=%d err=%v", gameID, quarter, err)
	}
}

func (s *SQLiteService) ListQuarters(ctx context.Context, gameID string, limit int) ([]QuarterRecord, error) {
	if strings.TrimSpace(gameID) == "" {
		return []QuarterRecord{}, nil
	}
	if limit <= 0 || limit > defaultQuarterLimit {
		limit = defaultQuarterLimit
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT game_id, quarter, resolved_at_ms, state_json, news, updated_at_ms
FROM (
    SELECT game_id, quarter, resolved_at_ms, state_json, news, updated_at_ms
    FROM archive_quarters
    WHERE game_id = ?
    ORDER BY quarter DESC
    LIMIT ?
)
ORDER BY quarter ASC
`, gameID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]QuarterRecord, 0, limit)
	for rows.Next() {
		r, err := scanSQLiteQuarter(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLiteService) GetQuarter(ctx context.Context, gameID string, quarter int) (QuarterRecord, error) {
	if strings.TrimSpace(gameID) == "" || quarter <= 0 {
		return QuarterRecord{}, ErrNotFound
	}
	if ctx == nil {
		ctx = context.Background()
	}

	row := s.db.QueryRowContext(ctx, `
SELECT game_id, quarter, resolved_at_ms, state_json, news, updated_at_ms
FROM archive_quarters
WHERE game_id = ?
  AND quarter = ?
`, gameID, quarter)
	r, err := scanSQLiteQuarter(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return QuarterRecord{}, ErrNotFound
		}
		return QuarterRecord{}, err
	}
	return r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteQuarter(row rowScanner) (QuarterRecord, error) {
	var r QuarterRecord
	var resolvedAtMs, updatedAtMs int64
	var stateRaw []byte
	if err := row.Scan(&r.GameID, &r.Quarter, &resolvedAtMs, &stateRaw, &r.News, &updatedAtMs); err != nil {
		return QuarterRecord{}, err
	}
	r.ResolvedAt = time.UnixMilli(resolvedAtMs).UTC()
	r.UpdatedAt = time.UnixMilli(updatedAtMs).UTC()
	if len(stateRaw) > 0 {
		_ = json.Unmarshal(stateRaw, &r.State)
	}
	return r, nil
}

func ensureSQLiteArchiveSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`
CREATE TABLE IF NOT EXISTS archive_quarters (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    game_id TEXT NOT NULL,
    quarter INTEGER NOT NULL,
    resolved_at_ms INTEGER NOT NULL,
    state_json TEXT NOT NULL DEFAULT '{}',
    news TEXT NOT NULL DEFAULT '',
    created_at_ms INTEGER NOT NULL,
    updated_at_ms INTEGER NOT NULL,
    UNIQUE (game_id, quarter)
)`,
		`CREATE INDEX IF NOT EXISTS idx_archive_quarters_game ON archive_quarters(game_id, quarter)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func archiveLocalDatabasePathFromEnv() (string, error) {
	candidates := []string{
		strings.TrimSpace(os.Getenv("ARCHIVE_LOCAL_DATABASE_PATH")),
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
