package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/hansy/drawspell-sub000/service/internal/identity"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS session_identities (
	session_id TEXT PRIMARY KEY,
	blob       BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresIdentityStore keeps identity blobs in Postgres.
type PostgresIdentityStore struct {
	pool *pgxpool.Pool
}

// ConnectPostgres opens a pool, pings it and ensures the schema exists.
func ConnectPostgres(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create identity schema: %w", err)
	}
	return pool, nil
}

// NewPostgresIdentityStore returns a store over pool.
func NewPostgresIdentityStore(pool *pgxpool.Pool) *PostgresIdentityStore {
	return &PostgresIdentityStore{pool: pool}
}

func (s *PostgresIdentityStore) Get(ctx context.Context, sessionID string) ([]byte, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx,
		`SELECT blob FROM session_identities WHERE session_id = $1`, sessionID,
	).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select identity: %w", err)
	}
	return blob, nil
}

func (s *PostgresIdentityStore) Set(ctx context.Context, sessionID string, blob []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_identities (session_id, blob, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (session_id) DO UPDATE SET blob = EXCLUDED.blob, updated_at = now()`,
		sessionID, blob,
	)
	if err != nil {
		return fmt.Errorf("upsert identity: %w", err)
	}
	return nil
}

func (s *PostgresIdentityStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM session_identities WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	return nil
}
