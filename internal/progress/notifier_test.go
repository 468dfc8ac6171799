package progress

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sydlexius/tidepool/internal/crawl"
)

// fakeSource serves a swappable status.
type fakeSource struct {
	mu sync.Mutex
	st crawl.Status
}

func (f *fakeSource) Status(_ context.Context, _ string) (crawl.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st, nil
}

func (f *fakeSource) set(st crawl.Status) {
	f.mu.Lock()
	f.st = st
	f.mu.Unlock()
}

type streamConn struct {
	cancel  context.CancelFunc
	scanner *bufio.Scanner
	body    interface{ Close() error }
}

func openStream(t *testing.T, n *Notifier) *streamConn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.Stream(w, r, "alice")
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("opening stream: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	return &streamConn{cancel: cancel, scanner: bufio.NewScanner(resp.Body), body: resp.Body}
}

// nextFrame reads lines until one data or comment frame arrives.
func (c *streamConn) nextFrame(t *testing.T) string {
	t.Helper()
	done := make(chan string, 1)
	go func() {
		for c.scanner.Scan() {
			line := c.scanner.Text()
			if line == "" {
				continue
			}
			done <- line
			return
		}
		done <- ""
	}()
	select {
	case line := <-done:
		if line == "" {
			t.Fatal("stream ended unexpectedly")
		}
		return line
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
		return ""
	}
}

func decodeFrame(t *testing.T, line string) crawl.Status {
	t.Helper()
	payload, ok := strings.CutPrefix(line, "data: ")
	if !ok {
		t.Fatalf("not a data frame: %q", line)
	}
	var st crawl.Status
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		t.Fatalf("parsing frame: %v", err)
	}
	return st
}

func runningStatus(files int, stamp time.Time) crawl.Status {
	return crawl.Status{
		State: crawl.StateRunning,
		Checkpoint: &crawl.Checkpoint{
			IsScanning:          true,
			CumulativeFileCount: files,
			LastUpdate:          stamp,
		},
	}
}

func TestStream_InitialFrameThenUpdates(t *testing.T) {
	src := &fakeSource{st: runningStatus(1, time.Unix(100, 0).UTC())}
	n := NewNotifier(src, slog.New(slog.DiscardHandler), 10*time.Millisecond, time.Hour)

	conn := openStream(t, n)

	first := decodeFrame(t, conn.nextFrame(t))
	if first.State != crawl.StateRunning || first.Checkpoint.CumulativeFileCount != 1 {
		t.Errorf("first frame = %+v", first)
	}

	src.set(runningStatus(7, time.Unix(200, 0).UTC()))

	second := decodeFrame(t, conn.nextFrame(t))
	if second.Checkpoint.CumulativeFileCount != 7 {
		t.Errorf("second frame files = %d, want 7", second.Checkpoint.CumulativeFileCount)
	}
}

func TestStream_UnchangedCheckpointSendsNoDuplicates(t *testing.T) {
	src := &fakeSource{st: runningStatus(1, time.Unix(100, 0).UTC())}
	// Keep-alive far shorter than any poll change, so the next frame after
	// the initial data must be a comment, not a duplicate data frame.
	n := NewNotifier(src, slog.New(slog.DiscardHandler), 5*time.Millisecond, 50*time.Millisecond)

	conn := openStream(t, n)

	first := conn.nextFrame(t)
	if !strings.HasPrefix(first, "data: ") {
		t.Fatalf("first frame = %q, want data frame", first)
	}

	second := conn.nextFrame(t)
	if !strings.HasPrefix(second, ": keep-alive") {
		t.Errorf("frame after unchanged polls = %q, want keep-alive comment", second)
	}
}

func TestStream_IdleUserGetsSingleFrame(t *testing.T) {
	src := &fakeSource{st: crawl.Status{State: crawl.StateIdle}}
	n := NewNotifier(src, slog.New(slog.DiscardHandler), 5*time.Millisecond, 40*time.Millisecond)

	conn := openStream(t, n)

	first := decodeFrame(t, conn.nextFrame(t))
	if first.State != crawl.StateIdle {
		t.Errorf("State = %q", first.State)
	}

	// No checkpoint means no lastUpdate movement; only keep-alives follow.
	second := conn.nextFrame(t)
	if !strings.HasPrefix(second, ": keep-alive") {
		t.Errorf("second frame = %q, want keep-alive comment", second)
	}
}

func TestStream_ClientDisconnectEndsHandler(t *testing.T) {
	src := &fakeSource{st: crawl.Status{State: crawl.StateIdle}}
	n := NewNotifier(src, slog.New(slog.DiscardHandler), 5*time.Millisecond, time.Hour)

	handlerDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.Stream(w, r, "alice")
		close(handlerDone)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("opening stream: %v", err)
	}
	defer resp.Body.Close()

	cancel()

	select {
	case <-handlerDone:
	case <-time.After(3 * time.Second):
		t.Fatal("handler did not end after client disconnect")
	}
}
