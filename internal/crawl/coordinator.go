package crawl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sydlexius/tidepool/internal/event"
	"github.com/sydlexius/tidepool/internal/store"
)

// StartStatus describes the outcome of a start request.
type StartStatus string

// Start outcomes.
const (
	// StatusStarted means a fresh crawl began.
	StatusStarted StartStatus = "started"
	// StatusResumed means an interrupted crawl picked up where it left off.
	StatusResumed StartStatus = "resumed"
	// StatusAlreadyRunning means a live crawl is in progress for this user.
	StatusAlreadyRunning StartStatus = "already_running"
	// StatusLocked means another process holds the advisory lock.
	StatusLocked StartStatus = "locked"
	// StatusNotResumable means there is no interrupted crawl to resume.
	StatusNotResumable StartStatus = "not_resumable"
)

// ScanState summarizes a user's crawl for status queries.
type ScanState string

// Scan states.
const (
	StateIdle      ScanState = "idle"
	StateRunning   ScanState = "running"
	StateStalled   ScanState = "stalled"
	StateCompleted ScanState = "completed"
	StateFailed    ScanState = "failed"
)

// Status pairs a scan state with the checkpoint backing it.
type Status struct {
	State      ScanState   `json:"state"`
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`
}

// Coordinator owns crawl lifecycle for all users: it acquires the advisory
// lock, decides between fresh start and resume, runs the engine in the
// background, and publishes lifecycle events.
type Coordinator struct {
	engine      *Engine
	checkpoints *Checkpoints
	store       store.Store
	bus         *event.Bus
	logger      *slog.Logger

	lockTTL      time.Duration
	stalledAfter time.Duration

	// holderID distinguishes this process's lock claims.
	holderID string

	// active tracks which users have a crawl goroutine alive in this
	// process, so an explicit resume can tell a live worker apart from a
	// checkpoint orphaned by a crash.
	mu     sync.Mutex
	active map[string]bool
}

// NewCoordinator creates a coordinator. lockTTL bounds how long a dead
// process's lock blocks other starters; stalledAfter is how long a running
// checkpoint may go without updates before it is presumed dead.
func NewCoordinator(engine *Engine, checkpoints *Checkpoints, s store.Store, bus *event.Bus, logger *slog.Logger, lockTTL, stalledAfter time.Duration) *Coordinator {
	return &Coordinator{
		engine:       engine,
		checkpoints:  checkpoints,
		store:        s,
		bus:          bus,
		logger:       logger.With(slog.String("component", "coordinator")),
		lockTTL:      lockTTL,
		stalledAfter: stalledAfter,
		holderID:     uuid.NewString(),
		active:       make(map[string]bool),
	}
}

// StartBackground starts or resumes a crawl for userID rooted at rootPath,
// returning immediately with the outcome. force discards any existing
// checkpoint and cache first. The crawl itself runs detached from the
// caller's context.
func (co *Coordinator) StartBackground(ctx context.Context, userID, rootPath string, force bool) (StartStatus, error) {
	cp, err := co.checkpoints.Get(ctx, userID)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	stalled := cp.Stalled(now, co.stalledAfter)

	if cp != nil && cp.IsScanning && !stalled && !force {
		return StatusAlreadyRunning, nil
	}

	// A stalled or forced start may find the dead process's lock still
	// inside its TTL. The checkpoint's own staleness is the stronger
	// signal, so the stale lock is discarded.
	if stalled || force {
		if err := co.store.Delete(ctx, LockKey(userID)); err != nil {
			return "", fmt.Errorf("clearing stale lock: %w", err)
		}
	}

	ok, err := co.store.SetNX(ctx, LockKey(userID), []byte(co.holderID), co.lockTTL)
	if err != nil {
		return "", fmt.Errorf("acquiring scan lock: %w", err)
	}
	if !ok {
		return StatusLocked, nil
	}

	if force {
		if err := co.discard(ctx, userID); err != nil {
			co.releaseLock(userID)
			return "", err
		}
		cp = nil
	}

	resuming := cp.Primed() && !cp.Finished()

	if _, err := co.checkpoints.Update(ctx, userID, func(c *Checkpoint) {
		if resuming {
			c.IsScanning = true
			c.Error = ""
			return
		}
		*c = Checkpoint{
			IsScanning:   true,
			ScannedPaths: make(map[string]bool),
			StartTime:    time.Now().UTC(),
		}
	}); err != nil {
		co.releaseLock(userID)
		return "", err
	}

	status := StatusStarted
	eventType := event.ScanStarted
	if resuming {
		status = StatusResumed
		eventType = event.ScanResumed
	}
	co.bus.Publish(event.Event{Type: eventType, Data: map[string]any{
		"user": userID,
		"root": rootPath,
	}})

	co.setActive(userID)
	go co.run(userID, rootPath)

	return status, nil
}

// Resume explicitly resumes an interrupted crawl at its cursor. It is a
// no-op when the user has no checkpoint or the checkpoint is not marked
// scanning. Unlike StartBackground it does not wait out the stalled
// threshold: when no goroutine in this process owns the checkpoint, the
// previous worker is presumed dead and its lock is reclaimed.
func (co *Coordinator) Resume(ctx context.Context, userID, rootPath string) (StartStatus, error) {
	cp, err := co.checkpoints.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if cp == nil || !cp.IsScanning {
		return StatusNotResumable, nil
	}
	if co.isActive(userID) {
		return StatusAlreadyRunning, nil
	}

	if err := co.store.Delete(ctx, LockKey(userID)); err != nil {
		return "", fmt.Errorf("clearing stale lock: %w", err)
	}
	ok, err := co.store.SetNX(ctx, LockKey(userID), []byte(co.holderID), co.lockTTL)
	if err != nil {
		return "", fmt.Errorf("acquiring scan lock: %w", err)
	}
	if !ok {
		return StatusLocked, nil
	}

	if _, err := co.checkpoints.Update(ctx, userID, func(c *Checkpoint) {
		c.IsScanning = true
		c.Error = ""
	}); err != nil {
		co.releaseLock(userID)
		return "", err
	}

	co.bus.Publish(event.Event{Type: event.ScanResumed, Data: map[string]any{
		"user": userID,
		"root": rootPath,
	}})

	co.setActive(userID)
	go co.run(userID, rootPath)

	return StatusResumed, nil
}

// run executes the engine and finalizes the crawl. Detached from any
// request context on purpose; the crawl outlives the HTTP call that
// started it.
func (co *Coordinator) run(userID, rootPath string) {
	ctx := context.Background()
	defer co.clearActive(userID)
	defer co.releaseLock(userID)

	err := co.engine.Run(ctx, userID, rootPath)

	cp, gerr := co.checkpoints.Get(ctx, userID)
	if gerr != nil {
		co.logger.Error("reading checkpoint after crawl", slog.String("user", userID), slog.String("error", gerr.Error()))
		return
	}

	switch {
	case err != nil:
		co.logger.Error("crawl failed", slog.String("user", userID), slog.String("error", err.Error()))
		co.bus.Publish(event.Event{Type: event.ScanFailed, Data: map[string]any{
			"user":  userID,
			"error": err.Error(),
		}})
	case cp != nil && cp.Finished():
		co.logger.Info("crawl completed",
			slog.String("user", userID),
			slog.Int("files", cp.CumulativeFileCount),
			slog.Int("folders", cp.CumulativeFolderCount))
		data := map[string]any{
			"user":    userID,
			"files":   cp.CumulativeFileCount,
			"folders": cp.CumulativeFolderCount,
		}
		if cp.Error != "" {
			data["partialError"] = cp.Error
		}
		co.bus.Publish(event.Event{Type: event.ScanCompleted, Data: data})
	default:
		// Stopped partway; no completion event.
		co.logger.Info("crawl interrupted", slog.String("user", userID))
	}
}

// Stop asks a running crawl to halt at the next folder boundary. Stopping
// an idle crawl is a no-op.
func (co *Coordinator) Stop(ctx context.Context, userID string) error {
	cp, err := co.checkpoints.Get(ctx, userID)
	if err != nil {
		return err
	}
	if cp == nil || !cp.IsScanning {
		return nil
	}
	_, err = co.checkpoints.Update(ctx, userID, func(c *Checkpoint) {
		c.IsScanning = false
	})
	return err
}

// Clear removes the user's checkpoint, cache, and lock. The next start is a
// fresh crawl.
func (co *Coordinator) Clear(ctx context.Context, userID string) error {
	if err := co.discard(ctx, userID); err != nil {
		return err
	}
	if err := co.store.Delete(ctx, LockKey(userID)); err != nil {
		return fmt.Errorf("clearing scan lock: %w", err)
	}
	co.bus.Publish(event.Event{Type: event.CacheCleared, Data: map[string]any{"user": userID}})
	return nil
}

// Status reports the user's crawl state.
func (co *Coordinator) Status(ctx context.Context, userID string) (Status, error) {
	cp, err := co.checkpoints.Get(ctx, userID)
	if err != nil {
		return Status{}, err
	}

	switch {
	case cp == nil:
		return Status{State: StateIdle}, nil
	case cp.Stalled(time.Now().UTC(), co.stalledAfter):
		return Status{State: StateStalled, Checkpoint: cp}, nil
	case cp.IsScanning:
		return Status{State: StateRunning, Checkpoint: cp}, nil
	case cp.Finished():
		return Status{State: StateCompleted, Checkpoint: cp}, nil
	case cp.Error != "":
		return Status{State: StateFailed, Checkpoint: cp}, nil
	default:
		return Status{State: StateIdle, Checkpoint: cp}, nil
	}
}

func (co *Coordinator) discard(ctx context.Context, userID string) error {
	if err := co.checkpoints.Delete(ctx, userID); err != nil {
		return err
	}
	if err := co.store.HClear(ctx, CacheKey(userID)); err != nil {
		return fmt.Errorf("clearing folder cache: %w", err)
	}
	return nil
}

func (co *Coordinator) setActive(userID string) {
	co.mu.Lock()
	co.active[userID] = true
	co.mu.Unlock()
}

func (co *Coordinator) clearActive(userID string) {
	co.mu.Lock()
	delete(co.active, userID)
	co.mu.Unlock()
}

func (co *Coordinator) isActive(userID string) bool {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.active[userID]
}

func (co *Coordinator) releaseLock(userID string) {
	if err := co.store.Delete(context.Background(), LockKey(userID)); err != nil {
		co.logger.Warn("releasing scan lock", slog.String("user", userID), slog.String("error", err.Error()))
	}
}
