package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createSessionEntries = `
CREATE TABLE IF NOT EXISTS session_entries (
key        TEXT PRIMARY KEY,
value      TEXT NOT NULL,
expires_at TIMESTAMPTZ NOT NULL
)
`

const upsertSessionEntry = `
INSERT INTO session_entries (key, value, expires_at) VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
`

const selectSessionEntry = `
SELECT value FROM session_entries WHERE key = $1 AND expires_at > now()
`

var ErrNotConfigured = errors.New("postgres store requires a non-nil pool")

type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates the session_entries table if needed.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, ErrNotConfigured
	}
	if _, err := pool.Exec(ctx, createSessionEntries); err != nil {
		return nil, fmt.Errorf("create session_entries: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	if err := s.pool.QueryRow(ctx, selectSessionEntry, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("select session entry: %w", err)
	}
	return value, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, key, value string) error {
	if _, err := s.pool.Exec(ctx, upsertSessionEntry, key, value, time.Now().UTC().Add(EntryTTL)); err != nil {
		return fmt.Errorf("upsert session entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM session_entries WHERE key = ANY($1) OR expires_at <= now()`, keys); err != nil {
		return fmt.Errorf("delete session entries: %w", err)
	}
	return nil
}
