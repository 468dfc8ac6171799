// Package store provides the key/value persistence layer for crawl state.
//
// Two interchangeable backends exist: a flat-file store (one JSON envelope
// per key under a data directory) and a SQLite store sharing the main
// database. Both offer atomic whole-value replacement, a TTL-bounded
// set-if-absent primitive used for advisory scan locks, and a hash-style
// namespace (one logical key, many fields) used for the per-folder cache so
// that listing cached paths and aggregating stats stay single round trips.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key or hash field does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface consumed by the crawler, coordinator,
// and progress notifier.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value atomically.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key holds a live (non-expired) value.
	Exists(ctx context.Context, key string) (bool, error)

	// SetNX stores value under key with a TTL, only if the key is absent
	// or its previous claim has expired. Returns true if the claim was
	// taken. This is the advisory lock primitive: best-effort, TTL-bounded,
	// not a distributed consensus.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// HGet returns the value of one field in the hash stored at key.
	HGet(ctx context.Context, key, field string) ([]byte, error)

	// HSet stores a field in the hash at key, replacing it atomically.
	HSet(ctx context.Context, key, field string, value []byte) error

	// HDel removes fields from the hash at key. Absent fields are ignored.
	HDel(ctx context.Context, key string, fields ...string) error

	// HKeys returns all field names in the hash at key.
	HKeys(ctx context.Context, key string) ([]string, error)

	// HGetAll returns every field/value pair in the hash at key.
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)

	// HClear removes the entire hash at key.
	HClear(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}
