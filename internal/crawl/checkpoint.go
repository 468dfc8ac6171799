package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sydlexius/tidepool/internal/store"
)

// Checkpoints persists crawl checkpoints. Every mutation re-reads the latest
// stored value under a per-user lock before applying the change, so the
// crawl goroutine and API handlers never clobber each other's writes.
type Checkpoints struct {
	store store.Store
	locks *store.KeyMutex
}

// NewCheckpoints creates a checkpoint service over the given store.
func NewCheckpoints(s store.Store) *Checkpoints {
	return &Checkpoints{store: s, locks: store.NewKeyMutex()}
}

// Get returns the user's checkpoint, or nil when none is stored.
func (c *Checkpoints) Get(ctx context.Context, userID string) (*Checkpoint, error) {
	raw, err := c.store.Get(ctx, CheckpointKey(userID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("parsing checkpoint: %w", err)
	}
	return &cp, nil
}

// Update applies mutate to the latest persisted checkpoint and writes the
// result back, stamping LastUpdate. When no checkpoint exists yet, mutate
// receives a zero-value checkpoint.
func (c *Checkpoints) Update(ctx context.Context, userID string, mutate func(*Checkpoint)) (*Checkpoint, error) {
	unlock := c.locks.Lock(CheckpointKey(userID))
	defer unlock()

	cp, err := c.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		cp = &Checkpoint{}
	}
	if cp.ScannedPaths == nil {
		cp.ScannedPaths = make(map[string]bool)
	}

	mutate(cp)
	cp.LastUpdate = time.Now().UTC()

	raw, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encoding checkpoint: %w", err)
	}
	if err := c.store.Set(ctx, CheckpointKey(userID), raw); err != nil {
		return nil, fmt.Errorf("writing checkpoint: %w", err)
	}
	return cp, nil
}

// Delete removes the user's checkpoint.
func (c *Checkpoints) Delete(ctx context.Context, userID string) error {
	unlock := c.locks.Lock(CheckpointKey(userID))
	defer unlock()

	if err := c.store.Delete(ctx, CheckpointKey(userID)); err != nil {
		return fmt.Errorf("deleting checkpoint: %w", err)
	}
	return nil
}
