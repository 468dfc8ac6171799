// Package library serves read queries over the indexed media cache: folder
// browsing, search, and aggregate stats. All reads come from the persisted
// cache; the remote drive is never touched here.
package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sydlexius/tidepool/internal/crawl"
	"github.com/sydlexius/tidepool/internal/index"
	"github.com/sydlexius/tidepool/internal/store"
)

// Sentinel errors surfaced to API handlers.
var (
	ErrFolderNotIndexed = errors.New("library: folder not indexed")
	ErrFileNotFound     = errors.New("library: file not found")
)

// Stats aggregates the cached index.
type Stats struct {
	Folders     int            `json:"folders"`
	Files       int            `json:"files"`
	TotalSize   int64          `json:"totalSize"`
	ByExtension map[string]int `json:"byExtension"`
}

// SearchResult is one matched media file.
type SearchResult struct {
	index.MediaFileEntry
	Folder string `json:"folder"`
}

// Service provides read access to a user's indexed library.
type Service struct {
	store store.Store
}

// NewService creates a library service.
func NewService(s store.Store) *Service {
	return &Service{store: s}
}

// Browse returns the cached record for one folder.
func (s *Service) Browse(ctx context.Context, userID, folderPath string) (*index.CacheRecord, error) {
	raw, err := s.store.HGet(ctx, crawl.CacheKey(userID), folderPath)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrFolderNotIndexed
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache record: %w", err)
	}

	var rec index.CacheRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("parsing cache record: %w", err)
	}
	return &rec, nil
}

// Folders returns every indexed folder path, sorted.
func (s *Service) Folders(ctx context.Context, userID string) ([]string, error) {
	paths, err := s.store.HKeys(ctx, crawl.CacheKey(userID))
	if err != nil {
		return nil, fmt.Errorf("listing cached folders: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// Search returns media files whose title, name, or artist contains the
// query, case-insensitively, up to limit results in folder order.
func (s *Service) Search(ctx context.Context, userID, query string, limit int) ([]SearchResult, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	all, err := s.store.HGetAll(ctx, crawl.CacheKey(userID))
	if err != nil {
		return nil, fmt.Errorf("reading cache: %w", err)
	}

	folders := make([]string, 0, len(all))
	for f := range all {
		folders = append(folders, f)
	}
	sort.Strings(folders)

	var results []SearchResult
	for _, folder := range folders {
		var rec index.CacheRecord
		if err := json.Unmarshal(all[folder], &rec); err != nil {
			continue
		}
		for _, f := range rec.Files {
			if matches(f, query) {
				results = append(results, SearchResult{MediaFileEntry: f, Folder: folder})
				if len(results) >= limit {
					return results, nil
				}
			}
		}
	}
	return results, nil
}

// Stats aggregates counts and sizes across the whole cached index.
func (s *Service) Stats(ctx context.Context, userID string) (*Stats, error) {
	all, err := s.store.HGetAll(ctx, crawl.CacheKey(userID))
	if err != nil {
		return nil, fmt.Errorf("reading cache: %w", err)
	}

	stats := &Stats{ByExtension: make(map[string]int)}
	for _, raw := range all {
		var rec index.CacheRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		stats.Folders++
		for _, f := range rec.Files {
			stats.Files++
			stats.TotalSize += f.Size
			stats.ByExtension[f.Extension]++
		}
	}
	return stats, nil
}

// FindFile locates one media file by item ID. Used by the streaming
// endpoint to map an ID to a downloadable item.
func (s *Service) FindFile(ctx context.Context, userID, itemID string) (*index.MediaFileEntry, error) {
	all, err := s.store.HGetAll(ctx, crawl.CacheKey(userID))
	if err != nil {
		return nil, fmt.Errorf("reading cache: %w", err)
	}

	for _, raw := range all {
		var rec index.CacheRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		for i := range rec.Files {
			if rec.Files[i].ID == itemID {
				return &rec.Files[i], nil
			}
		}
	}
	return nil, ErrFileNotFound
}

func matches(f index.MediaFileEntry, query string) bool {
	return strings.Contains(strings.ToLower(f.Title), query) ||
		strings.Contains(strings.ToLower(f.Name), query) ||
		strings.Contains(strings.ToLower(f.Artist), query)
}
