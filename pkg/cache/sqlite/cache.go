package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pario-ai/tenantgate/pkg/models"
	"github.com/pario-ai/tenantgate/pkg/sqlitedb"
)

// Store is a cache.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY,
	model TEXT NOT NULL,
	response BLOB NOT NULL,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	hits INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
`

// New opens the cache database at dbPath and runs auto-migration.
func New(dbPath string) (*Store, error) {
	db, err := sqlitedb.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if err := sqlitedb.Migrate(db, createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}
	return &Store{db: db}, nil
}

// Get retrieves an entry by key.
func (s *Store) Get(ctx context.Context, key string) (models.CacheEntry, bool, error) {
	var e models.CacheEntry
	err := s.db.QueryRowContext(ctx,
		`SELECT key, model, response, prompt_tokens, completion_tokens, created_at, expires_at, hits
		 FROM cache_entries WHERE key = ?`,
		key,
	).Scan(&e.Key, &e.Model, &e.Response, &e.PromptTokens, &e.CompletionTokens, &e.CreatedAt, &e.ExpiresAt, &e.Hits)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CacheEntry{}, false, nil
	}
	if err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("cache get: %w", err)
	}
	return e, true, nil
}

// Put stores an entry, replacing any previous one under the same key.
func (s *Store) Put(ctx context.Context, e models.CacheEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (key, model, response, prompt_tokens, completion_tokens, created_at, expires_at, hits)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Key, e.Model, e.Response, e.PromptTokens, e.CompletionTokens, e.CreatedAt.UTC(), e.ExpiresAt.UTC(), e.Hits,
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// IncrHits bumps the hit counter of key.
func (s *Store) IncrHits(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE cache_entries SET hits = hits + 1 WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cache hits: %w", err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// DeleteExpired removes entries whose expiry is not after now.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return s.exec(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, now.UTC())
}

// DeleteAll removes every entry.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	return s.exec(ctx, `DELETE FROM cache_entries`)
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cache count: %w", err)
	}
	return n, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	return res.RowsAffected()
}
