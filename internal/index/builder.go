package index

import (
	"path"
	"strings"
	"time"

	"github.com/sydlexius/tidepool/internal/drive"
)

// mediaExtensions is the allowlist of indexable audio formats, matched
// case-insensitively on the file extension.
var mediaExtensions = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".flac": true,
	".m4a":  true,
	".aac":  true,
	".ogg":  true,
}

// IsMediaFile reports whether name has an indexable audio extension.
func IsMediaFile(name string) bool {
	return mediaExtensions[strings.ToLower(path.Ext(name))]
}

// Classify splits a folder listing into child folders and media files.
// Non-media files are dropped; they never reach the index.
func Classify(items []drive.Item) (folders []drive.Item, media []drive.Item) {
	for _, item := range items {
		switch {
		case item.IsFolder():
			folders = append(folders, item)
		case item.IsFile() && IsMediaFile(item.Name):
			media = append(media, item)
		}
	}
	return folders, media
}

// ToEntry converts a media file item into an index entry. folderPath is the
// drive path of the folder that contains the item; "" means the drive root.
func ToEntry(item drive.Item, folderPath string) MediaFileEntry {
	ext := strings.ToLower(path.Ext(item.Name))

	artist := ""
	if folderPath != "" {
		segments := strings.Split(folderPath, "/")
		artist = segments[len(segments)-1]
	}

	return MediaFileEntry{
		ID:           item.ID,
		Name:         item.Name,
		Size:         item.Size,
		Path:         folderPath,
		Title:        strings.TrimSuffix(item.Name, path.Ext(item.Name)),
		Artist:       artist,
		Extension:    ext,
		LastModified: item.LastModified,
	}
}

// BuildRecord builds the cache record for one folder from its full listing.
func BuildRecord(items []drive.Item, folderPath string, now time.Time) CacheRecord {
	folders, media := Classify(items)

	rec := CacheRecord{LastUpdated: now.UTC()}
	for _, f := range folders {
		rec.Folders = append(rec.Folders, FolderEntry{
			ID:   f.ID,
			Name: f.Name,
			Path: joinPath(folderPath, f.Name),
		})
	}
	for _, m := range media {
		rec.Files = append(rec.Files, ToEntry(m, folderPath))
	}
	return rec
}

// joinPath joins drive path segments without cleaning, since drive paths
// are opaque names rather than filesystem paths.
func joinPath(folderPath, name string) string {
	if folderPath == "" {
		return name
	}
	return folderPath + "/" + name
}
