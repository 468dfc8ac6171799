// Package watcher reloads runtime-adjustable configuration when the config
// file changes on disk, so log level and format can be changed without a
// restart.
package watcher

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sydlexius/tidepool/internal/config"
	"github.com/sydlexius/tidepool/internal/logging"
)

// Service watches the config file and applies logging changes.
type Service struct {
	path     string
	manager  *logging.Manager
	logger   *slog.Logger
	debounce time.Duration
}

// NewService creates a config watcher for the file at path.
func NewService(path string, manager *logging.Manager, logger *slog.Logger) *Service {
	return &Service{
		path:     path,
		manager:  manager,
		logger:   logger.With(slog.String("component", "config-watcher")),
		debounce: time.Second,
	}
}

// SetDebounce overrides the default debounce interval (for testing).
func (s *Service) SetDebounce(d time.Duration) {
	s.debounce = d
}

// Start blocks until ctx is canceled, applying config changes as they land.
// The parent directory is watched rather than the file itself: editors and
// config management tools typically replace the file by rename, which would
// silently detach a direct file watch.
func (s *Service) Start(ctx context.Context) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("config watching unavailable", "error", err)
		return
	}
	defer w.Close() //nolint:errcheck

	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		s.logger.Warn("cannot watch config directory", "dir", dir, "error", err)
		return
	}
	s.logger.Info("watching config file", "path", s.path)

	// Coalesces bursts of events from a single save into one reload.
	debounceTimer := time.NewTimer(0)
	if !debounceTimer.Stop() {
		<-debounceTimer.C
	}
	reloadPending := false

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("config watcher stopping")
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if reloadPending && !debounceTimer.Stop() {
				select {
				case <-debounceTimer.C:
				default:
				}
			}
			debounceTimer.Reset(s.debounce)
			reloadPending = true

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("config watch error", "error", err)

		case <-debounceTimer.C:
			reloadPending = false
			s.reload()
		}
	}
}

// reload re-reads the config file and applies the logging section. Other
// sections need a restart; only logging is safe to swap live.
func (s *Service) reload() {
	cfg, err := config.Load(s.path)
	if err != nil {
		s.logger.Warn("config reload failed, keeping current settings", "error", err)
		return
	}

	current := s.manager.Config()
	next := logging.Config{
		Level:    cfg.Logging.Level,
		Format:   cfg.Logging.Format,
		FilePath: cfg.Logging.FilePath,
	}
	if next == current {
		return
	}

	s.manager.Reconfigure(next)
	s.logger.Info("logging reconfigured",
		"level", next.Level,
		"format", next.Format,
	)
}
