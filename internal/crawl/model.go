// Package crawl walks a user's drive subtree breadth-first, persisting a
// resumable checkpoint and a per-folder index cache as it goes. A crawl that
// dies at any point can be resumed from the last completed top-level folder
// without losing counted work.
package crawl

import "time"

// Checkpoint is the persisted state of one user's crawl. It is written after
// every folder, so any reader sees progress at folder granularity.
type Checkpoint struct {
	IsScanning bool `json:"isScanning"`

	// CurrentPath is the folder most recently listed.
	CurrentPath string `json:"currentPath"`

	// ScannedPaths records every folder already counted into the cumulative
	// totals. Re-listing a folder on resume refreshes its cache record but
	// must not count it twice.
	ScannedPaths map[string]bool `json:"scannedPaths"`

	// TopLevelFolderPaths is the fixed work list captured when the crawl was
	// primed. Resume walks the same list from ScannedTopLevelFolders onward;
	// folders added to the root mid-crawl wait for the next crawl.
	TopLevelFolderPaths    []string `json:"topLevelFolderPaths"`
	TotalTopLevelFolders   int      `json:"totalTopLevelFolders"`
	ScannedTopLevelFolders int      `json:"scannedTopLevelFolders"`
	CurrentTopLevelFolder  string   `json:"currentTopLevelFolder"`

	CumulativeFileCount   int `json:"cumulativeFileCount"`
	CumulativeFolderCount int `json:"cumulativeFolderCount"`

	StartTime  time.Time `json:"startTime"`
	LastUpdate time.Time `json:"lastUpdate"`

	// Error holds the most recent subtree failure. A failed subtree does not
	// stop the crawl; the remaining subtrees still run.
	Error string `json:"error,omitempty"`
}

// Primed reports whether the top-level work list has been captured.
func (c *Checkpoint) Primed() bool {
	return c != nil && c.TotalTopLevelFolders > 0 && len(c.TopLevelFolderPaths) > 0
}

// Finished reports whether every top-level folder has been scanned.
func (c *Checkpoint) Finished() bool {
	return c.Primed() && c.ScannedTopLevelFolders >= c.TotalTopLevelFolders
}

// Stalled reports whether a supposedly running crawl has gone quiet for
// longer than threshold, which means its process died without cleanup.
func (c *Checkpoint) Stalled(now time.Time, threshold time.Duration) bool {
	return c != nil && c.IsScanning && now.Sub(c.LastUpdate) > threshold
}

// CheckpointKey is the store key for a user's crawl checkpoint.
func CheckpointKey(userID string) string { return "scan:" + userID + ":checkpoint" }

// LockKey is the store key for a user's advisory crawl lock.
func LockKey(userID string) string { return "scan:" + userID + ":lock" }

// CacheKey is the store hash key holding a user's per-folder index records,
// one field per folder path.
func CacheKey(userID string) string { return "cache:" + userID }
