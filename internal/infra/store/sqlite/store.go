// Package sqlite is a file-backed session repository on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/boddenberg/credit-scenarios-go/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	document   TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
`

// Store implements port.SessionRepository on a single SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := "file:" + cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single writer connection keeps SQLITE_BUSY out of the version check.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get loads a session document.
func (s *Store) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM sessions WHERE session_id = ?`, sessionID).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return domain.DecodeSession([]byte(doc))
}

// Put inserts a new session (version 0) or updates one whose stored version
// still matches.
func (s *Store) Put(ctx context.Context, sess *domain.Session) error {
	next := sess.Clone()
	next.Version++
	data, err := domain.EncodeSession(next)
	if err != nil {
		return err
	}
	now := time.Now().UTC().UnixMilli()

	var res sql.Result
	if sess.Version == 0 {
		res, err = s.db.ExecContext(ctx, `
INSERT INTO sessions (session_id, version, document, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO NOTHING
`, sess.ID, next.Version, string(data), now, now)
	} else {
		res, err = s.db.ExecContext(ctx, `
UPDATE sessions SET version = ?, document = ?, updated_at = ?
WHERE session_id = ? AND version = ?
`, next.Version, string(data), now, sess.ID, sess.Version)
	}
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	if n == 0 {
		return &domain.ErrConflict{
			Message: fmt.Sprintf("session %s was modified concurrently (loaded version %d)", sess.ID, sess.Version),
		}
	}
	sess.Version = next.Version
	return nil
}

// Delete removes a session.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// List returns session ids, most recently updated first.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM sessions ORDER BY updated_at DESC, session_id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
