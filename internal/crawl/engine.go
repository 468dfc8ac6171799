package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sydlexius/tidepool/internal/drive"
	"github.com/sydlexius/tidepool/internal/index"
	"github.com/sydlexius/tidepool/internal/store"
)

// errStopped is returned inside the engine when the checkpoint's isScanning
// flag was cleared externally. The crawl exits quietly at the next folder
// boundary.
var errStopped = errors.New("crawl: stopped")

// Lister lists the full children of a drive folder by path.
type Lister interface {
	ListAllChildren(ctx context.Context, path string) ([]drive.Item, error)
}

// Engine executes one crawl of a user's drive: prime the top-level work
// list, then walk each top-level subtree breadth-first, caching a record
// per folder and advancing the checkpoint after every listing.
type Engine struct {
	lister      Lister
	checkpoints *Checkpoints
	store       store.Store
	logger      *slog.Logger

	folderDelay  time.Duration
	subtreeDelay time.Duration
}

// NewEngine creates a crawl engine. folderDelay paces individual listing
// calls; subtreeDelay adds a longer pause between top-level subtrees.
func NewEngine(lister Lister, checkpoints *Checkpoints, s store.Store, logger *slog.Logger, folderDelay, subtreeDelay time.Duration) *Engine {
	return &Engine{
		lister:       lister,
		checkpoints:  checkpoints,
		store:        s,
		logger:       logger.With(slog.String("component", "crawl")),
		folderDelay:  folderDelay,
		subtreeDelay: subtreeDelay,
	}
}

// Run executes the crawl for userID starting at rootPath. A checkpoint that
// is already primed resumes from its recorded position; otherwise the root
// is listed first to fix the work list. Run returns nil when the crawl was
// stopped externally; the checkpoint shows where it left off.
func (e *Engine) Run(ctx context.Context, userID, rootPath string) error {
	cp, err := e.checkpoints.Get(ctx, userID)
	if err != nil {
		return err
	}

	if !cp.Primed() {
		cp, err = e.prime(ctx, userID, rootPath)
		if err != nil {
			e.recordFailure(ctx, userID, err)
			return err
		}
	}

	for i := cp.ScannedTopLevelFolders; i < len(cp.TopLevelFolderPaths); i++ {
		top := cp.TopLevelFolderPaths[i]

		if _, err := e.checkpoints.Update(ctx, userID, func(c *Checkpoint) {
			c.CurrentTopLevelFolder = top
		}); err != nil {
			return err
		}

		err := e.crawlSubtree(ctx, userID, top)
		switch {
		case errors.Is(err, errStopped):
			e.logger.Info("crawl stopped", slog.String("user", userID), slog.String("folder", top))
			return nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		case err != nil:
			// One bad subtree must not sink the rest of the crawl.
			e.logger.Warn("subtree failed, continuing",
				slog.String("user", userID),
				slog.String("folder", top),
				slog.String("error", err.Error()))
			if _, uerr := e.checkpoints.Update(ctx, userID, func(c *Checkpoint) {
				c.Error = fmt.Sprintf("%s: %v", top, err)
			}); uerr != nil {
				return uerr
			}
		}

		cp, err = e.checkpoints.Update(ctx, userID, func(c *Checkpoint) {
			c.ScannedTopLevelFolders = i + 1
		})
		if err != nil {
			return err
		}

		if i+1 < len(cp.TopLevelFolderPaths) {
			if err := sleep(ctx, e.subtreeDelay); err != nil {
				return err
			}
		}
	}

	_, err = e.checkpoints.Update(ctx, userID, func(c *Checkpoint) {
		c.IsScanning = false
		c.CurrentTopLevelFolder = ""
	})
	return err
}

// prime lists the configured root, caches its record, and fixes the
// top-level work list for the rest of the crawl.
func (e *Engine) prime(ctx context.Context, userID, rootPath string) (*Checkpoint, error) {
	items, err := e.lister.ListAllChildren(ctx, rootPath)
	if err != nil {
		return nil, fmt.Errorf("priming root listing: %w", err)
	}

	rec := index.BuildRecord(items, rootPath, time.Now())
	if err := e.cacheRecord(ctx, userID, rootPath, rec); err != nil {
		return nil, err
	}

	tops := make([]string, 0, len(rec.Folders))
	for _, f := range rec.Folders {
		tops = append(tops, f.Path)
	}

	e.logger.Info("crawl primed",
		slog.String("user", userID),
		slog.String("root", rootPath),
		slog.Int("topLevelFolders", len(tops)))

	return e.checkpoints.Update(ctx, userID, func(c *Checkpoint) {
		c.TopLevelFolderPaths = tops
		c.TotalTopLevelFolders = len(tops)
		c.ScannedTopLevelFolders = 0
		c.CurrentPath = rootPath
		if !c.ScannedPaths[rootPath] {
			c.ScannedPaths[rootPath] = true
			c.CumulativeFileCount += len(rec.Files)
			c.CumulativeFolderCount += len(rec.Folders)
		}
	})
}

// crawlSubtree walks one top-level subtree breadth-first. Every folder gets
// listed in full, cached, and counted exactly once per crawl; resume may
// re-list folders, which refreshes the cache without recounting.
func (e *Engine) crawlSubtree(ctx context.Context, userID, top string) error {
	queue := []string{top}
	visited := make(map[string]bool)

	for len(queue) > 0 {
		folder := queue[0]
		queue = queue[1:]
		if visited[folder] {
			continue
		}
		visited[folder] = true

		cp, err := e.checkpoints.Get(ctx, userID)
		if err != nil {
			return err
		}
		if cp == nil || !cp.IsScanning {
			return errStopped
		}

		items, err := e.lister.ListAllChildren(ctx, folder)
		if err != nil {
			return err
		}

		rec := index.BuildRecord(items, folder, time.Now())
		if err := e.cacheRecord(ctx, userID, folder, rec); err != nil {
			return err
		}

		if _, err := e.checkpoints.Update(ctx, userID, func(c *Checkpoint) {
			c.CurrentPath = folder
			if !c.ScannedPaths[folder] {
				c.ScannedPaths[folder] = true
				c.CumulativeFileCount += len(rec.Files)
				c.CumulativeFolderCount += len(rec.Folders)
			}
		}); err != nil {
			return err
		}

		for _, f := range rec.Folders {
			queue = append(queue, f.Path)
		}

		if err := sleep(ctx, e.folderDelay); err != nil {
			return err
		}
	}
	return nil
}

// cacheRecord replaces the folder's cache record whole.
func (e *Engine) cacheRecord(ctx context.Context, userID, folder string, rec index.CacheRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding cache record: %w", err)
	}
	if err := e.store.HSet(ctx, CacheKey(userID), folder, raw); err != nil {
		return fmt.Errorf("caching folder %s: %w", folder, err)
	}
	return nil
}

// recordFailure marks the checkpoint failed and stops the crawl flag.
func (e *Engine) recordFailure(ctx context.Context, userID string, cause error) {
	if _, err := e.checkpoints.Update(ctx, userID, func(c *Checkpoint) {
		c.IsScanning = false
		c.Error = cause.Error()
	}); err != nil {
		e.logger.Error("failed to record crawl failure", slog.String("user", userID), slog.String("error", err.Error()))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
