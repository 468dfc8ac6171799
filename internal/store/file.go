package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// envelope wraps every stored value so TTL claims and plain values share
// one on-disk format.
type envelope struct {
	Value     []byte `json:"value"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// FileStore persists entries as JSON files under a data directory.
// Writes go through a temp file and rename, so readers never observe a
// partially written value.
type FileStore struct {
	dir string
}

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) keyPath(key string) string {
	return filepath.Join(s.dir, url.QueryEscape(key)+".json")
}

func (s *FileStore) hashDir(key string) string {
	return filepath.Join(s.dir, url.QueryEscape(key)+".hash")
}

func (s *FileStore) fieldPath(key, field string) string {
	return filepath.Join(s.hashDir(key), url.QueryEscape(field)+".json")
}

// Get returns the value stored under key.
func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	env, err := readEnvelope(s.keyPath(key))
	if err != nil {
		return nil, err
	}
	if expired(env) {
		return nil, ErrNotFound
	}
	return env.Value, nil
}

// Set atomically replaces the value stored under key.
func (s *FileStore) Set(_ context.Context, key string, value []byte) error {
	return writeEnvelope(s.keyPath(key), envelope{Value: value})
}

// Delete removes key.
func (s *FileStore) Delete(_ context.Context, key string) error {
	if err := os.Remove(s.keyPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key holds a live value.
func (s *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetNX claims key with a TTL if it is absent or the previous claim
// expired. The create is O_CREATE|O_EXCL, which is atomic on POSIX; the
// expired-claim takeover is a plain remove-then-create and remains
// advisory under a true cross-process race.
func (s *FileStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	env := envelope{
		Value:     value,
		ExpiresAt: time.Now().UTC().Add(ttl).Format(time.RFC3339),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return false, fmt.Errorf("marshaling claim: %w", err)
	}

	path := s.keyPath(key)
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640) //nolint:gosec // G304: path derived from escaped key under the state dir
		if err == nil {
			_, werr := f.Write(data)
			cerr := f.Close()
			if werr != nil {
				return false, fmt.Errorf("writing claim: %w", werr)
			}
			if cerr != nil {
				return false, fmt.Errorf("closing claim: %w", cerr)
			}
			return true, nil
		}
		if !os.IsExist(err) {
			return false, fmt.Errorf("creating claim: %w", err)
		}

		existing, rerr := readEnvelope(path)
		if rerr != nil && !errors.Is(rerr, ErrNotFound) {
			return false, rerr
		}
		if rerr == nil && !expired(existing) {
			return false, nil
		}
		// Stale claim: remove and retry the exclusive create once.
		_ = os.Remove(path)
	}
	return false, nil
}

// HGet returns one field of the hash at key.
func (s *FileStore) HGet(_ context.Context, key, field string) ([]byte, error) {
	env, err := readEnvelope(s.fieldPath(key, field))
	if err != nil {
		return nil, err
	}
	return env.Value, nil
}

// HSet atomically replaces one field of the hash at key.
func (s *FileStore) HSet(_ context.Context, key, field string, value []byte) error {
	if err := os.MkdirAll(s.hashDir(key), 0o750); err != nil {
		return fmt.Errorf("creating hash directory: %w", err)
	}
	return writeEnvelope(s.fieldPath(key, field), envelope{Value: value})
}

// HDel removes fields from the hash at key.
func (s *FileStore) HDel(_ context.Context, key string, fields ...string) error {
	for _, field := range fields {
		if err := os.Remove(s.fieldPath(key, field)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing field %s: %w", field, err)
		}
	}
	return nil
}

// HKeys returns all field names of the hash at key.
func (s *FileStore) HKeys(_ context.Context, key string) ([]string, error) {
	entries, err := os.ReadDir(s.hashDir(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing hash %s: %w", key, err)
	}

	fields := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		field, err := url.QueryUnescape(name[:len(name)-len(".json")])
		if err != nil {
			continue
		}
		fields = append(fields, field)
	}
	return fields, nil
}

// HGetAll returns every field/value pair of the hash at key.
func (s *FileStore) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	fields, err := s.HKeys(ctx, key)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]byte, len(fields))
	for _, field := range fields {
		value, err := s.HGet(ctx, key, field)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[field] = value
	}
	return out, nil
}

// HClear removes the entire hash at key.
func (s *FileStore) HClear(_ context.Context, key string) error {
	if err := os.RemoveAll(s.hashDir(key)); err != nil {
		return fmt.Errorf("clearing hash %s: %w", key, err)
	}
	return nil
}

// Close is a no-op for the file backend.
func (s *FileStore) Close() error { return nil }

func readEnvelope(path string) (envelope, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path derived from escaped key under the state dir
	if os.IsNotExist(err) {
		return envelope{}, ErrNotFound
	}
	if err != nil {
		return envelope{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decoding %s: %w", path, err)
	}
	return env, nil
}

func writeEnvelope(path string, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

func expired(env envelope) bool {
	if env.ExpiresAt == "" {
		return false
	}
	t, err := time.Parse(time.RFC3339, env.ExpiresAt)
	if err != nil {
		return true
	}
	return time.Now().UTC().After(t)
}
