package kvstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store over a single table, scoping all rows
// to a caller-supplied prefix column value. Adapted from the teacher's
// PostgresStorage, generalized from a ShareData-specific row shape to
// an opaque (prefix, key) -> bytes table.
type PostgresStore struct {
	db     *sql.DB
	prefix string

	mu    sync.RWMutex
	cache map[string][]byte
}

// NewPostgresStore opens databaseURL, appending sslmode=disable when
// the caller did not specify one (matching the teacher's Railway-
// internal-connection default), and ensures the backing table exists.
func NewPostgresStore(databaseURL, prefix string) (*PostgresStore, error) {
	if !strings.Contains(databaseURL, "sslmode=") {
		if strings.Contains(databaseURL, "?") {
			databaseURL += "&sslmode=disable"
		} else {
			databaseURL += "?sslmode=disable"
		}
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("kvstore: failed to connect to database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("kvstore: failed to ping database: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS dkls_kv_entries (
			prefix VARCHAR(128) NOT NULL,
			key VARCHAR(512) NOT NULL,
			value BYTEA NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			PRIMARY KEY (prefix, key)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("kvstore: failed to create table: %w", err)
	}

	return &PostgresStore{
		db:     db,
		prefix: prefix,
		cache:  make(map[string][]byte),
	}, nil
}

func (ps *PostgresStore) Save(key string, value []byte) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := ps.db.ExecContext(ctx, `
		INSERT INTO dkls_kv_entries (prefix, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (prefix, key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = NOW()
	`, ps.prefix, key, value)
	if err != nil {
		return fmt.Errorf("kvstore: failed to save %q: %w", key, err)
	}

	cp := make([]byte, len(value))
	copy(cp, value)
	ps.cache[key] = cp
	return nil
}

func (ps *PostgresStore) Get(key string) ([]byte, error) {
	ps.mu.RLock()
	if v, ok := ps.cache[key]; ok {
		defer ps.mu.RUnlock()
		cp := make([]byte, len(v))
		copy(cp, v)
		return cp, nil
	}
	ps.mu.RUnlock()

	ps.mu.Lock()
	defer ps.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var value []byte
	err := ps.db.QueryRowContext(ctx,
		"SELECT value FROM dkls_kv_entries WHERE prefix = $1 AND key = $2",
		ps.prefix, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore: failed to query %q: %w", key, err)
	}

	ps.cache[key] = value
	return value, nil
}

func (ps *PostgresStore) Remove(key string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := ps.db.ExecContext(ctx,
		"DELETE FROM dkls_kv_entries WHERE prefix = $1 AND key = $2",
		ps.prefix, key,
	)
	if err != nil {
		return fmt.Errorf("kvstore: failed to remove %q: %w", key, err)
	}
	delete(ps.cache, key)
	return nil
}

func (ps *PostgresStore) Clear() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := ps.db.ExecContext(ctx, "DELETE FROM dkls_kv_entries WHERE prefix = $1", ps.prefix)
	if err != nil {
		return fmt.Errorf("kvstore: failed to clear prefix %q: %w", ps.prefix, err)
	}
	ps.cache = make(map[string][]byte)
	return nil
}

func (ps *PostgresStore) Keys() ([]string, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows, err := ps.db.QueryContext(ctx, "SELECT key FROM dkls_kv_entries WHERE prefix = $1", ps.prefix)
	if err != nil {
		return nil, fmt.Errorf("kvstore: failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("kvstore: failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (ps *PostgresStore) IsAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return ps.db.PingContext(ctx) == nil
}

// Close closes the database connection.
func (ps *PostgresStore) Close() error {
	return ps.db.Close()
}
