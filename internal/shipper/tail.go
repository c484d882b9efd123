package shipper

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"logmesh/internal/event"
	"logmesh/internal/logging"
)

// TailConfig configures a file tail source.
type TailConfig struct {
	// Patterns are doublestar globs selecting files to tail.
	Patterns []string
	// Node is reported as the event host.
	Node string
	// StateFile persists per-file offsets across restarts.
	StateFile string
	// PollInterval re-globs and re-reads as a safety net besides fsnotify.
	PollInterval time.Duration
}

// tailedFile tracks the state of a single file being tailed.
type tailedFile struct {
	path    string
	inode   uint64
	offset  int64
	lineBuf []byte // partial line from last read
	file    *os.File
}

// TailSource tails plain log files matched by glob patterns, detecting
// rotation by inode change and truncation by shrinking size. It supplements
// the journald source for services that only log to files. File entries
// carry no cursor; the per-file bookmark file plays that role.
type TailSource struct {
	cfg    TailConfig
	logger *slog.Logger

	mu    sync.Mutex
	files map[string]*tailedFile
}

// NewTailSource creates a file tail source.
func NewTailSource(cfg TailConfig, logger *slog.Logger) *TailSource {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &TailSource{
		cfg:    cfg,
		logger: logging.Default(logger).With("component", "tail"),
		files:  make(map[string]*tailedFile),
	}
}

// Run implements Source.
func (t *TailSource) Run(ctx context.Context, out chan<- Entry) error {
	bm, err := loadBookmarks(t.cfg.StateFile)
	if err != nil {
		t.logger.Warn("failed to load bookmarks, starting fresh", "error", err)
		bm = bookmarks{Files: make(map[string]fileBookmark)}
	}

	paths, err := discoverFiles(t.cfg.Patterns)
	if err != nil {
		return err
	}
	for _, path := range paths {
		t.openFile(path, bm)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	for _, dir := range watchDirsForPatterns(t.cfg.Patterns) {
		if err := watcher.Add(dir); err != nil {
			t.logger.Warn("failed to watch directory", "dir", dir, "error", err)
		}
	}

	t.mu.Lock()
	for _, tf := range t.files {
		t.readNewLines(ctx, tf, out)
	}
	t.mu.Unlock()

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.saveAndCleanup(bm)
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			t.handleFSEvent(ctx, ev, bm, out)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			t.logger.Warn("fsnotify error", "error", err)

		case <-ticker.C:
			t.poll(ctx, bm, out)
		}
	}
}

// openFile opens a file and seeks to the bookmarked offset, or EOF if no
// valid bookmark exists, to avoid flooding on first sight.
func (t *TailSource) openFile(path string, bm bookmarks) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.files[path]; exists {
		return
	}

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		t.logger.Warn("failed to open file", "path", path, "error", err)
		return
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		t.logger.Warn("failed to stat file", "path", path, "error", err)
		return
	}

	inode, _ := getInode(info)
	tf := &tailedFile{path: path, inode: inode, file: f}

	if fb, ok := bm.Files[path]; ok && fb.Inode == inode && fb.Offset <= info.Size() {
		tf.offset = fb.Offset
	} else {
		tf.offset = info.Size()
	}

	if _, err := f.Seek(tf.offset, io.SeekStart); err != nil {
		_ = f.Close()
		t.logger.Warn("failed to seek", "path", path, "error", err)
		return
	}

	t.files[path] = tf
	t.logger.Debug("tailing file", "path", path, "offset", tf.offset)
}

// readNewLines reads complete lines from a tailed file and emits them.
// Caller must hold t.mu.
func (t *TailSource) readNewLines(ctx context.Context, tf *tailedFile, out chan<- Entry) {
	info, err := os.Stat(tf.path)
	if err != nil {
		t.logger.Warn("failed to stat file during read", "path", tf.path, "error", err)
		return
	}

	// Rotation: same path, new inode.
	if newInode, ok := getInode(info); ok && tf.inode != 0 && newInode != tf.inode {
		t.logger.Info("inode change detected, reopening", "path", tf.path)
		_ = tf.file.Close()
		f, err := os.Open(tf.path)
		if err != nil {
			t.logger.Warn("failed to reopen after rotation", "path", tf.path, "error", err)
			return
		}
		newInfo, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return
		}
		tf.file = f
		tf.inode, _ = getInode(newInfo)
		tf.offset = 0
		tf.lineBuf = nil
	}

	// Truncation: size fell below our offset.
	if info.Size() < tf.offset {
		t.logger.Info("truncation detected, resetting", "path", tf.path)
		tf.offset = 0
		tf.lineBuf = nil
		if _, err := tf.file.Seek(0, io.SeekStart); err != nil {
			return
		}
	}

	if info.Size() == tf.offset {
		return
	}
	if _, err := tf.file.Seek(tf.offset, io.SeekStart); err != nil {
		return
	}

	now := time.Now().UTC()
	scanner := bufio.NewScanner(tf.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024) // 1MB max line

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(tf.lineBuf) > 0 {
			line = append(tf.lineBuf, line...)
			tf.lineBuf = nil
		}
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		if len(line) == 0 {
			continue
		}
		msg := string(line)
		select {
		case out <- Entry{Event: event.Event{
			Timestamp: now,
			Source:    "file",
			Service:   serviceForPath(tf.path),
			Host:      t.cfg.Node,
			Level:     sniffLevel(msg),
			Message:   msg,
			Meta:      map[string]string{"file": tf.path},
		}}:
		case <-ctx.Done():
			return
		}
	}

	t.updateOffset(tf, info, scanner.Err())
}

func (t *TailSource) updateOffset(tf *tailedFile, info os.FileInfo, scanErr error) {
	newOffset, err := tf.file.Seek(0, io.SeekCurrent)
	if err != nil || scanErr != nil {
		return
	}
	if newOffset < info.Size() {
		remaining := make([]byte, info.Size()-newOffset)
		if n, _ := tf.file.ReadAt(remaining, newOffset); n > 0 {
			tf.lineBuf = append(tf.lineBuf, remaining[:n]...)
		}
	}
	tf.offset = newOffset
}

// handleFSEvent processes a filesystem notification event.
func (t *TailSource) handleFSEvent(ctx context.Context, ev fsnotify.Event, bm bookmarks, out chan<- Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case ev.Has(fsnotify.Write):
		if tf, ok := t.files[ev.Name]; ok {
			t.readNewLines(ctx, tf, out)
		}

	case ev.Has(fsnotify.Create):
		if matchesAnyPattern(ev.Name, t.cfg.Patterns) {
			t.mu.Unlock()
			t.openFile(ev.Name, bm)
			t.mu.Lock()
			if tf, ok := t.files[ev.Name]; ok {
				// Newly created files are read from the start.
				tf.offset = 0
				if _, err := tf.file.Seek(0, io.SeekStart); err == nil {
					t.readNewLines(ctx, tf, out)
				}
			}
		}

	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		if tf, ok := t.files[ev.Name]; ok {
			_ = tf.file.Close()
			delete(t.files, ev.Name)
			t.logger.Debug("file removed or renamed", "path", ev.Name)
		}
	}
}

// poll re-evaluates globs, reads all files, and saves bookmarks.
func (t *TailSource) poll(ctx context.Context, bm bookmarks, out chan<- Entry) {
	paths, err := discoverFiles(t.cfg.Patterns)
	if err != nil {
		t.logger.Warn("poll discovery failed", "error", err)
	} else {
		for _, path := range paths {
			t.openFile(path, bm)
		}
	}

	t.mu.Lock()
	for _, tf := range t.files {
		t.readNewLines(ctx, tf, out)
	}
	for path, tf := range t.files {
		bm.Files[path] = fileBookmark{Inode: tf.inode, Offset: tf.offset}
	}
	t.mu.Unlock()

	if err := saveBookmarks(t.cfg.StateFile, bm); err != nil {
		t.logger.Warn("failed to save bookmarks", "error", err)
	}
}

// saveAndCleanup saves bookmarks and closes all files.
func (t *TailSource) saveAndCleanup(bm bookmarks) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for path, tf := range t.files {
		bm.Files[path] = fileBookmark{Inode: tf.inode, Offset: tf.offset}
		_ = tf.file.Close()
	}
	if err := saveBookmarks(t.cfg.StateFile, bm); err != nil {
		t.logger.Warn("failed to save bookmarks on shutdown", "error", err)
	}
}

// serviceForPath derives a service name from a log file path:
// /var/log/nginx/access.log -> nginx/access.
func serviceForPath(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	dir := filepath.Base(filepath.Dir(path))
	if dir == "log" || dir == "." || dir == string(filepath.Separator) {
		return base
	}
	return dir + "/" + base
}

// sniffLevel guesses a severity from the line text. File logs carry no
// structured priority, so this is best-effort; unknown lines are INFO.
func sniffLevel(msg string) event.Level {
	switch {
	case strings.Contains(msg, "FATAL"):
		return event.LevelFatal
	case strings.Contains(msg, "CRITICAL"):
		return event.LevelCritical
	case strings.Contains(msg, "ERROR") || strings.Contains(msg, "level=error"):
		return event.LevelError
	case strings.Contains(msg, "WARN") || strings.Contains(msg, "level=warn"):
		return event.LevelWarn
	case strings.Contains(msg, "DEBUG") || strings.Contains(msg, "level=debug"):
		return event.LevelDebug
	default:
		return event.LevelInfo
	}
}

// getInode extracts the inode number from file info.
func getInode(info os.FileInfo) (uint64, bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return stat.Ino, true
}
