package shipper

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// bookmarks persists tailed file positions across restarts, keyed by path.
// The inode disambiguates rotation: a changed inode under the same path
// invalidates the saved offset.
type bookmarks struct {
	Files map[string]fileBookmark `json:"files"`
}

type fileBookmark struct {
	Inode  uint64 `json:"inode"`
	Offset int64  `json:"offset"`
}

// loadBookmarks reads the saved positions. A missing or corrupt state file
// yields empty bookmarks, trading a re-read from EOF for a clean start.
func loadBookmarks(path string) (bookmarks, error) {
	b := bookmarks{Files: make(map[string]fileBookmark)}
	if path == "" {
		return b, nil
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if os.IsNotExist(err) {
		return b, nil
	}
	if err != nil {
		return b, fmt.Errorf("read bookmark file: %w", err)
	}

	if err := json.Unmarshal(data, &b); err != nil {
		return bookmarks{Files: make(map[string]fileBookmark)}, nil
	}
	if b.Files == nil {
		b.Files = make(map[string]fileBookmark)
	}
	return b, nil
}

// saveBookmarks atomically writes the positions via a temp file and rename,
// so a crash mid-write can never leave torn state behind.
func saveBookmarks(path string, b bookmarks) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create bookmark directory: %w", err)
	}

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode bookmarks: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write bookmarks: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename bookmarks: %w", err)
	}
	return nil
}
