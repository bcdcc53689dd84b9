package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hansy/drawspell-sub000/service/internal/identity"

	_ "modernc.org/sqlite"
)

// SQLiteIdentityStore keeps identity blobs in a local SQLite file.
type SQLiteIdentityStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the identity database at path.
func OpenSQLite(path string) (*SQLiteIdentityStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session_identities (
			session_id TEXT PRIMARY KEY,
			blob       BLOB NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT (unixepoch())
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create identity schema: %w", err)
	}
	return &SQLiteIdentityStore{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("sqlite %s: %w", p, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteIdentityStore) Close() error { return s.db.Close() }

func (s *SQLiteIdentityStore) Get(ctx context.Context, sessionID string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT blob FROM session_identities WHERE session_id = ?`, sessionID,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select identity: %w", err)
	}
	return blob, nil
}

func (s *SQLiteIdentityStore) Set(ctx context.Context, sessionID string, blob []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_identities (session_id, blob, updated_at)
		VALUES (?, ?, unixepoch())
		ON CONFLICT (session_id) DO UPDATE SET blob = excluded.blob, updated_at = unixepoch()`,
		sessionID, blob,
	)
	if err != nil {
		return fmt.Errorf("upsert identity: %w", err)
	}
	return nil
}

func (s *SQLiteIdentityStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_identities WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	return nil
}
