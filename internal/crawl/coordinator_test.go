package crawl

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sydlexius/tidepool/internal/drive"
	"github.com/sydlexius/tidepool/internal/event"
	"github.com/sydlexius/tidepool/internal/store"
)

// gatedLister holds every listing call until the gate opens, so tests can
// observe a crawl in its running state.
type gatedLister struct {
	inner Lister
	gate  chan struct{}
}

func (g *gatedLister) ListAllChildren(ctx context.Context, path string) ([]drive.Item, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.inner.ListAllChildren(ctx, path)
}

type coordFixture struct {
	drive       *fakeDrive
	gate        chan struct{}
	store       store.Store
	checkpoints *Checkpoints
	bus         *event.Bus
	coord       *Coordinator
}

func newCoordFixture(t *testing.T) *coordFixture {
	t.Helper()
	s, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.DiscardHandler)
	bus := event.NewBus(logger, 64)
	go bus.Start()
	t.Cleanup(bus.Stop)

	d := newFakeDrive()
	gate := make(chan struct{})
	cps := NewCheckpoints(s)
	eng := NewEngine(&gatedLister{inner: d, gate: gate}, cps, s, logger, 0, 0)

	return &coordFixture{
		drive:       d,
		gate:        gate,
		store:       s,
		checkpoints: cps,
		bus:         bus,
		coord:       NewCoordinator(eng, cps, s, bus, logger, time.Minute, 30*time.Second),
	}
}

func (fx *coordFixture) open() {
	close(fx.gate)
}

func waitForState(t *testing.T, co *Coordinator, userID string, want ScanState) Status {
	t.Helper()
	var last Status
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		st, err := co.Status(context.Background(), userID)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if st.State == want {
			return st
		}
		last = st
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %q, last %q", want, last.State)
	return Status{}
}

func TestStartBackground_FreshCrawl(t *testing.T) {
	fx := newCoordFixture(t)
	rock := fx.drive.addFolder("Music", "Rock")
	fx.drive.addFile(rock, "a.mp3", 1)
	fx.open()

	status, err := fx.coord.StartBackground(context.Background(), "alice", "Music", false)
	if err != nil {
		t.Fatalf("StartBackground() error = %v", err)
	}
	if status != StatusStarted {
		t.Fatalf("status = %q, want %q", status, StatusStarted)
	}

	st := waitForState(t, fx.coord, "alice", StateCompleted)
	if st.Checkpoint.CumulativeFileCount != 1 {
		t.Errorf("CumulativeFileCount = %d, want 1", st.Checkpoint.CumulativeFileCount)
	}

	// Lock is released after completion.
	exists, err := fx.store.Exists(context.Background(), LockKey("alice"))
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if exists {
		t.Error("lock still held after crawl completed")
	}
}

func TestStartBackground_AlreadyRunning(t *testing.T) {
	fx := newCoordFixture(t)
	fx.drive.addFolder("Music", "Rock")

	if _, err := fx.coord.StartBackground(context.Background(), "alice", "Music", false); err != nil {
		t.Fatalf("first StartBackground() error = %v", err)
	}

	status, err := fx.coord.StartBackground(context.Background(), "alice", "Music", false)
	if err != nil {
		t.Fatalf("second StartBackground() error = %v", err)
	}
	if status != StatusAlreadyRunning {
		t.Errorf("status = %q, want %q", status, StatusAlreadyRunning)
	}

	fx.open()
	waitForState(t, fx.coord, "alice", StateCompleted)
}

func TestStartBackground_Locked(t *testing.T) {
	fx := newCoordFixture(t)
	ok, err := fx.store.SetNX(context.Background(), LockKey("alice"), []byte("other-process"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("seeding lock: ok=%v err=%v", ok, err)
	}

	status, err := fx.coord.StartBackground(context.Background(), "alice", "Music", false)
	if err != nil {
		t.Fatalf("StartBackground() error = %v", err)
	}
	if status != StatusLocked {
		t.Errorf("status = %q, want %q", status, StatusLocked)
	}
}

func TestStartBackground_StalledTakeoverResumes(t *testing.T) {
	fx := newCoordFixture(t)
	rock := fx.drive.addFolder("Music", "Rock")
	fx.drive.addFile(rock, "a.mp3", 1)
	jazz := fx.drive.addFolder("Music", "Jazz")
	fx.drive.addFile(jazz, "b.mp3", 1)
	fx.open()

	// A checkpoint left behind by a dead process: still marked scanning,
	// last touched well past the stall threshold, lock still inside TTL.
	if _, err := fx.checkpoints.Update(context.Background(), "alice", func(c *Checkpoint) {
		c.IsScanning = true
		c.TopLevelFolderPaths = []string{rock, jazz}
		c.TotalTopLevelFolders = 2
		c.ScannedTopLevelFolders = 1
		c.ScannedPaths["Music"] = true
		c.ScannedPaths[rock] = true
		c.CumulativeFileCount = 1
		c.CumulativeFolderCount = 2
	}); err != nil {
		t.Fatalf("seeding checkpoint: %v", err)
	}
	backdateCheckpoint(t, fx.store, "alice", 10*time.Minute)
	if ok, err := fx.store.SetNX(context.Background(), LockKey("alice"), []byte("dead-process"), time.Minute); err != nil || !ok {
		t.Fatalf("seeding lock: ok=%v err=%v", ok, err)
	}

	status, err := fx.coord.StartBackground(context.Background(), "alice", "Music", false)
	if err != nil {
		t.Fatalf("StartBackground() error = %v", err)
	}
	if status != StatusResumed {
		t.Fatalf("status = %q, want %q", status, StatusResumed)
	}

	st := waitForState(t, fx.coord, "alice", StateCompleted)
	if st.Checkpoint.CumulativeFileCount != 2 {
		t.Errorf("CumulativeFileCount = %d, want 2", st.Checkpoint.CumulativeFileCount)
	}
	if n := fx.drive.listCount(rock); n != 0 {
		t.Errorf("completed subtree re-listed %d times", n)
	}
}

func TestStartBackground_ForceDiscardsPreviousCrawl(t *testing.T) {
	fx := newCoordFixture(t)
	rock := fx.drive.addFolder("Music", "Rock")
	fx.drive.addFile(rock, "a.mp3", 1)
	fx.open()

	if _, err := fx.coord.StartBackground(context.Background(), "alice", "Music", false); err != nil {
		t.Fatalf("StartBackground() error = %v", err)
	}
	waitForState(t, fx.coord, "alice", StateCompleted)

	// Plain restart of a finished crawl also starts fresh.
	status, err := fx.coord.StartBackground(context.Background(), "alice", "Music", true)
	if err != nil {
		t.Fatalf("forced StartBackground() error = %v", err)
	}
	if status != StatusStarted {
		t.Errorf("status = %q, want %q", status, StatusStarted)
	}

	st := waitForState(t, fx.coord, "alice", StateCompleted)
	if st.Checkpoint.CumulativeFileCount != 1 {
		t.Errorf("CumulativeFileCount = %d, want 1 after fresh recount", st.Checkpoint.CumulativeFileCount)
	}
}

func TestStopHaltsRunningCrawl(t *testing.T) {
	fx := newCoordFixture(t)
	rock := fx.drive.addFolder("Music", "Rock")
	for i := range 3 {
		fx.drive.addFolder(rock, "album"+string(rune('a'+i)))
	}

	if _, err := fx.coord.StartBackground(context.Background(), "alice", "Music", false); err != nil {
		t.Fatalf("StartBackground() error = %v", err)
	}

	if err := fx.coord.Stop(context.Background(), "alice"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	fx.open()

	// The crawl exits without finishing its work list.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		exists, err := fx.store.Exists(context.Background(), LockKey("alice"))
		if err != nil {
			t.Fatalf("Exists() error = %v", err)
		}
		if !exists {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	cp := getChk(t, fx.checkpoints, "alice")
	if cp.IsScanning {
		t.Error("IsScanning still true after Stop")
	}
	if cp.Finished() {
		t.Error("crawl finished despite Stop")
	}
}

func TestClearRemovesAllState(t *testing.T) {
	fx := newCoordFixture(t)
	rock := fx.drive.addFolder("Music", "Rock")
	fx.drive.addFile(rock, "a.mp3", 1)
	fx.open()

	var mu sync.Mutex
	cleared := false
	fx.bus.Subscribe(event.CacheCleared, func(event.Event) {
		mu.Lock()
		cleared = true
		mu.Unlock()
	})

	if _, err := fx.coord.StartBackground(context.Background(), "alice", "Music", false); err != nil {
		t.Fatalf("StartBackground() error = %v", err)
	}
	waitForState(t, fx.coord, "alice", StateCompleted)

	if err := fx.coord.Clear(context.Background(), "alice"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	if cp := getChk(t, fx.checkpoints, "alice"); cp != nil {
		t.Errorf("checkpoint survived Clear: %+v", cp)
	}
	fields, err := fx.store.HKeys(context.Background(), CacheKey("alice"))
	if err != nil {
		t.Fatalf("HKeys() error = %v", err)
	}
	if len(fields) != 0 {
		t.Errorf("cache survived Clear: %v", fields)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := cleared
		mu.Unlock()
		if done {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("cache.cleared event not published")
}

func TestStartBackground_ConcurrentStartsOneWinner(t *testing.T) {
	fx := newCoordFixture(t)
	fx.drive.addFolder("Music", "Rock")

	const n = 8
	results := make(chan StartStatus, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, err := fx.coord.StartBackground(context.Background(), "alice", "Music", false)
			if err != nil {
				t.Errorf("StartBackground() error = %v", err)
				return
			}
			results <- status
		}()
	}
	wg.Wait()
	close(results)

	started := 0
	for status := range results {
		switch status {
		case StatusStarted:
			started++
		case StatusAlreadyRunning, StatusLocked:
		default:
			t.Errorf("unexpected status %q", status)
		}
	}
	if started != 1 {
		t.Errorf("%d starts succeeded, want exactly 1", started)
	}

	fx.open()
	waitForState(t, fx.coord, "alice", StateCompleted)
}

// backdateCheckpoint rewrites the stored checkpoint's lastUpdate into the
// past, bypassing the stamping that Update performs.
func backdateCheckpoint(t *testing.T, s store.Store, userID string, age time.Duration) {
	t.Helper()
	cps := NewCheckpoints(s)
	cp, err := cps.Get(context.Background(), userID)
	if err != nil || cp == nil {
		t.Fatalf("reading checkpoint: %v", err)
	}
	cp.LastUpdate = time.Now().UTC().Add(-age)
	updated, err := json.Marshal(cp)
	if err != nil {
		t.Fatalf("encoding checkpoint: %v", err)
	}
	if err := s.Set(context.Background(), CheckpointKey(userID), updated); err != nil {
		t.Fatalf("writing checkpoint: %v", err)
	}
}

func TestResume_ReclaimsInterruptedCrawlBeforeStallThreshold(t *testing.T) {
	fx := newCoordFixture(t)
	rock := fx.drive.addFolder("Music", "Rock")
	fx.drive.addFile(rock, "a.mp3", 1)
	jazz := fx.drive.addFolder("Music", "Jazz")
	fx.drive.addFile(jazz, "b.mp3", 1)
	fx.open()

	// A checkpoint left behind by a dead process, but freshly stamped: the
	// crash happened moments ago, so the stall threshold has not elapsed.
	if _, err := fx.checkpoints.Update(context.Background(), "alice", func(c *Checkpoint) {
		c.IsScanning = true
		c.TopLevelFolderPaths = []string{rock, jazz}
		c.TotalTopLevelFolders = 2
		c.ScannedTopLevelFolders = 1
		c.ScannedPaths["Music"] = true
		c.ScannedPaths[rock] = true
		c.CumulativeFileCount = 1
		c.CumulativeFolderCount = 2
	}); err != nil {
		t.Fatalf("seeding checkpoint: %v", err)
	}
	if ok, err := fx.store.SetNX(context.Background(), LockKey("alice"), []byte("dead-process"), time.Minute); err != nil || !ok {
		t.Fatalf("seeding lock: ok=%v err=%v", ok, err)
	}

	// A plain start cannot tell this apart from a live worker yet.
	status, err := fx.coord.StartBackground(context.Background(), "alice", "Music", false)
	if err != nil {
		t.Fatalf("StartBackground() error = %v", err)
	}
	if status != StatusAlreadyRunning {
		t.Fatalf("StartBackground status = %q, want %q", status, StatusAlreadyRunning)
	}

	// An explicit resume reclaims the orphaned checkpoint immediately.
	status, err = fx.coord.Resume(context.Background(), "alice", "Music")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if status != StatusResumed {
		t.Fatalf("Resume status = %q, want %q", status, StatusResumed)
	}

	st := waitForState(t, fx.coord, "alice", StateCompleted)
	if st.Checkpoint.CumulativeFileCount != 2 {
		t.Errorf("CumulativeFileCount = %d, want 2", st.Checkpoint.CumulativeFileCount)
	}
	if n := fx.drive.listCount(rock); n != 0 {
		t.Errorf("completed subtree re-listed %d times", n)
	}
}

func TestResume_NoCheckpointIsNoop(t *testing.T) {
	fx := newCoordFixture(t)
	fx.open()

	status, err := fx.coord.Resume(context.Background(), "alice", "Music")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if status != StatusNotResumable {
		t.Errorf("status = %q, want %q", status, StatusNotResumable)
	}
}

func TestResume_FinishedCheckpointIsNoop(t *testing.T) {
	fx := newCoordFixture(t)
	rock := fx.drive.addFolder("Music", "Rock")
	fx.drive.addFile(rock, "a.mp3", 1)
	fx.open()

	if _, err := fx.coord.StartBackground(context.Background(), "alice", "Music", false); err != nil {
		t.Fatalf("StartBackground() error = %v", err)
	}
	waitForState(t, fx.coord, "alice", StateCompleted)

	status, err := fx.coord.Resume(context.Background(), "alice", "Music")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if status != StatusNotResumable {
		t.Errorf("status = %q, want %q", status, StatusNotResumable)
	}
}

func TestResume_LiveWorkerIsNotDisplaced(t *testing.T) {
	fx := newCoordFixture(t)
	rock := fx.drive.addFolder("Music", "Rock")
	fx.drive.addFile(rock, "a.mp3", 1)

	// Gate stays shut: the crawl goroutine is alive and blocked on the drive.
	if _, err := fx.coord.StartBackground(context.Background(), "alice", "Music", false); err != nil {
		t.Fatalf("StartBackground() error = %v", err)
	}

	status, err := fx.coord.Resume(context.Background(), "alice", "Music")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if status != StatusAlreadyRunning {
		t.Fatalf("status = %q, want %q", status, StatusAlreadyRunning)
	}

	fx.open()
	waitForState(t, fx.coord, "alice", StateCompleted)
}
