package shipper

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CursorFile persists the last acknowledged source position. The invariant
// is that the file, if present, points at or before the oldest
// unacknowledged entry, never past it.
type CursorFile struct {
	path string
}

// NewCursorFile wraps the given path. An empty path disables persistence.
func NewCursorFile(path string) *CursorFile {
	return &CursorFile{path: path}
}

// Load returns the saved cursor, or "" when none exists.
func (c *CursorFile) Load() (string, error) {
	if c.path == "" {
		return "", nil
	}
	data, err := os.ReadFile(filepath.Clean(c.path))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read cursor file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Save atomically writes the cursor via a temp file and rename, so a crash
// mid-write can never leave a torn cursor behind.
func (c *CursorFile) Save(cursor string) error {
	if c.path == "" || cursor == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o750); err != nil {
		return fmt.Errorf("create cursor directory: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(cursor+"\n"), 0o600); err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("rename cursor: %w", err)
	}
	return nil
}
