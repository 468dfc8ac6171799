package library

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/sydlexius/tidepool/internal/crawl"
	"github.com/sydlexius/tidepool/internal/index"
	"github.com/sydlexius/tidepool/internal/store"
)

func setupService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	s, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return NewService(s), s
}

func seedFolder(t *testing.T, s store.Store, userID, folder string, rec index.CacheRecord) {
	t.Helper()
	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.HSet(context.Background(), crawl.CacheKey(userID), folder, raw); err != nil {
		t.Fatal(err)
	}
}

func entry(id, name, artist string, size int64) index.MediaFileEntry {
	ext := path.Ext(name)
	return index.MediaFileEntry{
		ID:        id,
		Name:      name,
		Title:     strings.TrimSuffix(name, ext),
		Artist:    artist,
		Extension: strings.ToLower(ext),
		Size:      size,
	}
}

func seedLibrary(t *testing.T, s store.Store) {
	t.Helper()
	now := time.Now().UTC()
	seedFolder(t, s, "alice", "Music", index.CacheRecord{
		Folders:     []index.FolderEntry{{ID: "d1", Name: "Rock", Path: "Music/Rock"}},
		LastUpdated: now,
	})
	seedFolder(t, s, "alice", "Music/Rock", index.CacheRecord{
		Files: []index.MediaFileEntry{
			entry("f1", "Thunderstruck.mp3", "Rock", 100),
			entry("f2", "Back in Black.flac", "Rock", 200),
		},
		LastUpdated: now,
	})
	seedFolder(t, s, "alice", "Music/Jazz", index.CacheRecord{
		Files: []index.MediaFileEntry{
			entry("f3", "So What.mp3", "Jazz", 300),
		},
		LastUpdated: now,
	})
}

func TestBrowse(t *testing.T) {
	svc, s := setupService(t)
	seedLibrary(t, s)

	rec, err := svc.Browse(context.Background(), "alice", "Music/Rock")
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Files) != 2 {
		t.Errorf("got %d files, want 2", len(rec.Files))
	}

	if _, err := svc.Browse(context.Background(), "alice", "Music/Metal"); !errors.Is(err, ErrFolderNotIndexed) {
		t.Errorf("Browse() error = %v, want ErrFolderNotIndexed", err)
	}
}

func TestFolders(t *testing.T) {
	svc, s := setupService(t)
	seedLibrary(t, s)

	folders, err := svc.Folders(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Music", "Music/Jazz", "Music/Rock"}
	if len(folders) != len(want) {
		t.Fatalf("folders = %v, want %v", folders, want)
	}
	for i := range want {
		if folders[i] != want[i] {
			t.Errorf("folders[%d] = %q, want %q", i, folders[i], want[i])
		}
	}
}

func TestSearch(t *testing.T) {
	svc, s := setupService(t)
	seedLibrary(t, s)
	ctx := context.Background()

	results, err := svc.Search(ctx, "alice", "black", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Name != "Back in Black.flac" {
		t.Errorf("results = %+v", results)
	}

	// Artist matches too.
	results, err = svc.Search(ctx, "alice", "jazz", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Folder != "Music/Jazz" {
		t.Errorf("results = %+v", results)
	}

	// Case-insensitive.
	results, err = svc.Search(ctx, "alice", "THUNDER", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Errorf("got %d results, want 1", len(results))
	}

	// Empty query returns nothing.
	results, err = svc.Search(ctx, "alice", "  ", 10)
	if err != nil {
		t.Fatal(err)
	}
	if results != nil {
		t.Errorf("results = %v, want nil", results)
	}
}

func TestSearch_Limit(t *testing.T) {
	svc, s := setupService(t)
	seedLibrary(t, s)

	results, err := svc.Search(context.Background(), "alice", ".mp3", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Errorf("got %d results, want limit of 1", len(results))
	}
}

func TestStats(t *testing.T) {
	svc, s := setupService(t)
	seedLibrary(t, s)

	stats, err := svc.Stats(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Folders != 3 {
		t.Errorf("Folders = %d, want 3", stats.Folders)
	}
	if stats.Files != 3 {
		t.Errorf("Files = %d, want 3", stats.Files)
	}
	if stats.TotalSize != 600 {
		t.Errorf("TotalSize = %d, want 600", stats.TotalSize)
	}
	if stats.ByExtension[".mp3"] != 2 || stats.ByExtension[".flac"] != 1 {
		t.Errorf("ByExtension = %v", stats.ByExtension)
	}
}

func TestFindFile(t *testing.T) {
	svc, s := setupService(t)
	seedLibrary(t, s)

	f, err := svc.FindFile(context.Background(), "alice", "f3")
	if err != nil {
		t.Fatal(err)
	}
	if f.Name != "So What.mp3" {
		t.Errorf("Name = %q", f.Name)
	}

	if _, err := svc.FindFile(context.Background(), "alice", "nope"); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("FindFile() error = %v, want ErrFileNotFound", err)
	}
}

func TestUserIsolation(t *testing.T) {
	svc, s := setupService(t)
	seedLibrary(t, s)

	folders, err := svc.Folders(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(folders) != 0 {
		t.Errorf("bob sees alice's folders: %v", folders)
	}
}
