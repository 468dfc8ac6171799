// Package index defines the searchable media index built from drive
// listings, and the rules for deciding which drive items belong in it.
package index

import "time"

// MediaFileEntry is one indexed media file. Path is the owning folder, not
// the file's own path; the file is addressed by ID. Title and Artist are
// best-effort values derived from the file and folder names; a later tagging
// pass may replace them.
type MediaFileEntry struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	Path         string    `json:"path"`
	Title        string    `json:"title"`
	Artist       string    `json:"artist"`
	Extension    string    `json:"extension"`
	LastModified time.Time `json:"lastModified"`
}

// FolderEntry is one subfolder observed inside an indexed folder.
type FolderEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// CacheRecord is the index entry for one folder: its media files and child
// folders as of the last listing. Records are replaced whole, never merged,
// so re-listing a folder that lost files cannot leave stale entries behind.
type CacheRecord struct {
	Files       []MediaFileEntry `json:"files"`
	Folders     []FolderEntry    `json:"folders"`
	LastUpdated time.Time        `json:"lastUpdated"`
}
