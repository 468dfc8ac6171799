// Package progress streams crawl progress to clients over server-sent
// events. The stream is poll-based: the persisted checkpoint is the single
// source of truth, so progress survives process restarts and multiple
// subscribers see identical frames.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sydlexius/tidepool/internal/crawl"
)

// StatusSource reports crawl status for a user.
type StatusSource interface {
	Status(ctx context.Context, userID string) (crawl.Status, error)
}

// Notifier streams scan status frames to SSE subscribers.
type Notifier struct {
	source   StatusSource
	logger   *slog.Logger
	interval time.Duration
	// keepAlive is the comment-frame cadence that holds idle connections
	// open through proxies.
	keepAlive time.Duration
}

// NewNotifier creates a notifier polling at interval and emitting keep-alive
// comments at keepAlive.
func NewNotifier(source StatusSource, logger *slog.Logger, interval, keepAlive time.Duration) *Notifier {
	if interval <= 0 {
		interval = time.Second
	}
	if keepAlive <= 0 {
		keepAlive = 25 * time.Second
	}
	return &Notifier{
		source:    source,
		logger:    logger.With(slog.String("component", "progress")),
		interval:  interval,
		keepAlive: keepAlive,
	}
}

// Stream serves one SSE connection for userID until the client disconnects.
// A frame is sent immediately, then again whenever the checkpoint's
// lastUpdate moves. Unchanged polls produce no frames.
func (n *Notifier) Stream(w http.ResponseWriter, r *http.Request, userID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()

	var lastSent time.Time
	sentAny := false

	send := func() {
		st, err := n.source.Status(ctx, userID)
		if err != nil {
			if ctx.Err() == nil {
				n.logger.Warn("reading status for stream", slog.String("user", userID), slog.String("error", err.Error()))
			}
			return
		}

		stamp := time.Time{}
		if st.Checkpoint != nil {
			stamp = st.Checkpoint.LastUpdate
		}
		if sentAny && stamp.Equal(lastSent) {
			return
		}

		payload, err := json.Marshal(st)
		if err != nil {
			n.logger.Error("encoding status frame", slog.String("error", err.Error()))
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
		lastSent = stamp
		sentAny = true
	}

	send()

	poll := time.NewTicker(n.interval)
	defer poll.Stop()
	heartbeat := time.NewTicker(n.keepAlive)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			n.logger.Debug("stream closed", slog.String("user", userID))
			return
		case <-poll.C:
			send()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}
