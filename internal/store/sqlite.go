package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore persists entries in the kv_entries and kv_hash_entries
// tables of the main application database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLiteStore over an already-migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Get returns the value stored under key.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expiresAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT value, expires_at FROM kv_entries WHERE key = ?
	`, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", key, err)
	}
	if claimExpired(expiresAt) {
		return nil, ErrNotFound
	}
	return value, nil
}

// Set replaces the value stored under key.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at) VALUES (?, ?, NULL)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = NULL
	`, key, value)
	if err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key holds a live value.
func (s *SQLiteStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetNX claims key with a TTL if it is absent or the previous claim expired.
func (s *SQLiteStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at
		WHERE kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at < ?
	`, key, value, now.Add(ttl).Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return false, fmt.Errorf("claiming %s: %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming %s: %w", key, err)
	}
	return n > 0, nil
}

// HGet returns one field of the hash at key.
func (s *SQLiteStore) HGet(ctx context.Context, key, field string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM kv_hash_entries WHERE key = ? AND field = ?
	`, key, field).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying %s/%s: %w", key, field, err)
	}
	return value, nil
}

// HSet replaces one field of the hash at key.
func (s *SQLiteStore) HSet(ctx context.Context, key, field string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_hash_entries (key, field, value) VALUES (?, ?, ?)
		ON CONFLICT(key, field) DO UPDATE SET value = excluded.value
	`, key, field, value)
	if err != nil {
		return fmt.Errorf("setting %s/%s: %w", key, field, err)
	}
	return nil
}

// HDel removes fields from the hash at key.
func (s *SQLiteStore) HDel(ctx context.Context, key string, fields ...string) error {
	for _, field := range fields {
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM kv_hash_entries WHERE key = ? AND field = ?
		`, key, field); err != nil {
			return fmt.Errorf("deleting %s/%s: %w", key, field, err)
		}
	}
	return nil
}

// HKeys returns all field names of the hash at key.
func (s *SQLiteStore) HKeys(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT field FROM kv_hash_entries WHERE key = ? ORDER BY field
	`, key)
	if err != nil {
		return nil, fmt.Errorf("listing hash %s: %w", key, err)
	}
	defer rows.Close() //nolint:errcheck

	var fields []string
	for rows.Next() {
		var field string
		if err := rows.Scan(&field); err != nil {
			return nil, fmt.Errorf("scanning field: %w", err)
		}
		fields = append(fields, field)
	}
	return fields, rows.Err()
}

// HGetAll returns every field/value pair of the hash at key.
func (s *SQLiteStore) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT field, value FROM kv_hash_entries WHERE key = ?
	`, key)
	if err != nil {
		return nil, fmt.Errorf("reading hash %s: %w", key, err)
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string][]byte)
	for rows.Next() {
		var field string
		var value []byte
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("scanning field: %w", err)
		}
		out[field] = value
	}
	return out, rows.Err()
}

// HClear removes the entire hash at key.
func (s *SQLiteStore) HClear(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_hash_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("clearing hash %s: %w", key, err)
	}
	return nil
}

// Close is a no-op; the shared database handle is owned by the caller.
func (s *SQLiteStore) Close() error { return nil }

func claimExpired(expiresAt sql.NullString) bool {
	if !expiresAt.Valid || expiresAt.String == "" {
		return false
	}
	t, err := time.Parse(time.RFC3339, expiresAt.String)
	if err != nil {
		return true
	}
	return time.Now().UTC().After(t)
}
