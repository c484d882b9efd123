package shipper

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"logmesh/internal/event"
	"logmesh/internal/logging"
)

// spoolRecord is one dead-lettered batch, stored as a single JSON line.
type spoolRecord struct {
	ID        string        `json:"id"`
	SpooledAt time.Time     `json:"spooled_at"`
	Count     int           `json:"count"`
	Events    []event.Event `json:"events"`
}

// Spool is the append-only dead-letter file for undeliverable batches.
// Records are replayed oldest first at daemon startup and removed only once
// successfully delivered.
type Spool struct {
	path   string
	logger *slog.Logger
}

// NewSpool wraps the given path. An empty path disables spooling.
func NewSpool(path string, logger *slog.Logger) *Spool {
	return &Spool{path: path, logger: logging.Default(logger).With("component", "spool")}
}

// Append dead-letters a batch.
func (s *Spool) Append(events []event.Event) error {
	if s.path == "" || len(events) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create spool directory: %w", err)
	}

	rec := spoolRecord{
		ID:        uuid.NewString(),
		SpooledAt: time.Now().UTC(),
		Count:     len(events),
		Events:    events,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode spool record: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open spool: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append spool record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync spool: %w", err)
	}
	s.logger.Warn("batch dead-lettered", "id", rec.ID, "events", rec.Count)
	return nil
}

// Len returns the number of spooled records.
func (s *Spool) Len() (int, error) {
	records, err := s.load()
	return len(records), err
}

// Replay attempts to deliver every spooled record, oldest first. Delivered
// records are removed; undeliverable ones stay for the next startup. The
// spool file is rewritten atomically with whatever remains.
func (s *Spool) Replay(ctx context.Context, deliver func(context.Context, []event.Event) error) (replayed, remaining int, err error) {
	if s.path == "" {
		return 0, 0, nil
	}
	records, err := s.load()
	if err != nil {
		return 0, 0, err
	}
	if len(records) == 0 {
		return 0, 0, nil
	}
	s.logger.Info("replaying dead-letter spool", "records", len(records))

	var kept []spoolRecord
	for _, rec := range records {
		if ctx.Err() != nil {
			kept = append(kept, rec)
			continue
		}
		if err := deliver(ctx, rec.Events); err != nil {
			s.logger.Warn("replay failed, keeping record", "id", rec.ID, "error", err)
			kept = append(kept, rec)
			continue
		}
		replayed++
		s.logger.Info("replayed spooled batch", "id", rec.ID, "events", rec.Count)
	}

	if err := s.rewrite(kept); err != nil {
		return replayed, len(kept), err
	}
	return replayed, len(kept), nil
}

func (s *Spool) load() ([]spoolRecord, error) {
	f, err := os.Open(filepath.Clean(s.path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open spool: %w", err)
	}
	defer f.Close()

	var records []spoolRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec spoolRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("dropping corrupt spool record", "error", err)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("read spool: %w", err)
	}
	return records, nil
}

func (s *Spool) rewrite(records []spoolRecord) error {
	if len(records) == 0 {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove drained spool: %w", err)
		}
		return nil
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open spool temp: %w", err)
	}
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			f.Close()
			return fmt.Errorf("encode spool record: %w", err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("write spool temp: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close spool temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename spool: %w", err)
	}
	return nil
}
