package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sydlexius/tidepool/internal/database"
	"github.com/sydlexius/tidepool/internal/event"
)

func setupDispatcherTest(t *testing.T) (*Service, *slog.Logger) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewService(db), logger
}

func TestDispatcher_GenericWebhook(t *testing.T) {
	svc, logger := setupDispatcherTest(t)

	var mu sync.Mutex
	var received map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		json.NewDecoder(r.Body).Decode(&received) //nolint:errcheck
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := &Webhook{
		Name:    "test",
		URL:     srv.URL,
		Type:    TypeGeneric,
		Events:  []string{"scan.completed"},
		Enabled: true,
	}
	if err := svc.Create(context.Background(), w); err != nil {
		t.Fatal(err)
	}

	dispatcher := NewDispatcherWithHTTPClient(svc, srv.Client(), logger)
	dispatcher.HandleEvent(event.Event{
		Type:      event.ScanCompleted,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"user": "alice", "files": 42, "folders": 7},
	})

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if received == nil {
		t.Fatal("expected to receive webhook payload")
	}
	if received["event"] != "scan.completed" {
		t.Errorf("event = %v, want scan.completed", received["event"])
	}
	data, _ := received["data"].(map[string]any)
	if data["files"] != float64(42) {
		t.Errorf("files = %v, want 42", data["files"])
	}
}

func TestDispatcher_DiscordFormat(t *testing.T) {
	svc, logger := setupDispatcherTest(t)

	var mu sync.Mutex
	var received map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		json.NewDecoder(r.Body).Decode(&received) //nolint:errcheck
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := &Webhook{
		Name:    "discord",
		URL:     srv.URL,
		Type:    TypeDiscord,
		Events:  []string{"scan.completed"},
		Enabled: true,
	}
	if err := svc.Create(context.Background(), w); err != nil {
		t.Fatal(err)
	}

	dispatcher := NewDispatcherWithHTTPClient(svc, srv.Client(), logger)
	dispatcher.HandleEvent(event.Event{
		Type:      event.ScanCompleted,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"user": "alice", "files": 42, "folders": 7},
	})

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	embeds, ok := received["embeds"].([]any)
	if !ok || len(embeds) != 1 {
		t.Fatalf("embeds = %v", received["embeds"])
	}
	embed := embeds[0].(map[string]any)
	desc, _ := embed["description"].(string)
	if !strings.Contains(desc, "42 media files") {
		t.Errorf("description = %q, want file count summary", desc)
	}
}

func TestDispatcher_SkipsUnsubscribedEvents(t *testing.T) {
	svc, logger := setupDispatcherTest(t)

	var mu sync.Mutex
	hits := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := &Webhook{
		Name:    "only-failures",
		URL:     srv.URL,
		Type:    TypeGeneric,
		Events:  []string{"scan.failed"},
		Enabled: true,
	}
	if err := svc.Create(context.Background(), w); err != nil {
		t.Fatal(err)
	}

	dispatcher := NewDispatcherWithHTTPClient(svc, srv.Client(), logger)
	dispatcher.HandleEvent(event.Event{Type: event.ScanCompleted, Timestamp: time.Now().UTC()})

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if hits != 0 {
		t.Errorf("got %d deliveries for unsubscribed event, want 0", hits)
	}
}

func TestDispatcher_RetriesOnFailure(t *testing.T) {
	svc, logger := setupDispatcherTest(t)

	var mu sync.Mutex
	attempts := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := &Webhook{
		Name:    "flaky",
		URL:     srv.URL,
		Type:    TypeGeneric,
		Events:  []string{"scan.failed"},
		Enabled: true,
	}
	if err := svc.Create(context.Background(), w); err != nil {
		t.Fatal(err)
	}

	dispatcher := NewDispatcherWithHTTPClient(svc, srv.Client(), logger)
	dispatcher.HandleEvent(event.Event{
		Type:      event.ScanFailed,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"user": "alice", "error": "remote down"},
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := attempts
		mu.Unlock()
		if n >= 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("delivery was not retried after failure")
}
