package shipper

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"logmesh/internal/event"
	"logmesh/internal/logging"
)

// JournalSource tails systemd-journald through a journalctl subprocess in
// JSON output mode. With a saved cursor it resumes strictly after it;
// without one it starts from "now" rather than re-reading history.
type JournalSource struct {
	node   string
	cursor string
	logger *slog.Logger

	// command seam for tests
	command func(ctx context.Context, args ...string) *exec.Cmd
}

// NewJournalSource creates a journald source. cursor is the last
// acknowledged position, empty on first run.
func NewJournalSource(node, cursor string, logger *slog.Logger) *JournalSource {
	return &JournalSource{
		node:   node,
		cursor: cursor,
		logger: logging.Default(logger).With("component", "journal"),
		command: func(ctx context.Context, args ...string) *exec.Cmd {
			return exec.CommandContext(ctx, "journalctl", args...)
		},
	}
}

// Run streams journal entries into out until ctx is cancelled.
func (j *JournalSource) Run(ctx context.Context, out chan<- Entry) error {
	args := []string{"--output=json", "--follow", "--no-pager"}
	if j.cursor != "" {
		args = append(args, "--after-cursor", j.cursor)
	} else {
		args = append(args, "--since", "now")
	}

	cmd := j.command(ctx, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("journalctl pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("journalctl start: %w", err)
	}
	j.logger.Info("following journal", "resume", j.cursor != "")

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		entry, err := parseJournalEntry(line, j.node)
		if err != nil {
			j.logger.Warn("skipping unparseable journal line", "error", err)
			continue
		}
		select {
		case out <- entry:
		case <-ctx.Done():
			_ = cmd.Wait()
			return nil
		}
	}

	err = cmd.Wait()
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("journalctl exited: %w", err)
	}
	return fmt.Errorf("journalctl stream ended: %w", scanner.Err())
}

// priorityLevels maps journald priorities to severity levels.
var priorityLevels = map[string]event.Level{
	"0": event.LevelFatal,
	"1": event.LevelCritical,
	"2": event.LevelCritical,
	"3": event.LevelError,
	"4": event.LevelWarn,
	"5": event.LevelInfo,
	"6": event.LevelInfo,
	"7": event.LevelDebug,
}

func priorityLevel(priority string) event.Level {
	if lvl, ok := priorityLevels[priority]; ok {
		return lvl
	}
	return event.LevelInfo
}

// journalEntry is the subset of journalctl JSON output we consume. MESSAGE
// is raw because journald encodes non-UTF-8 payloads as byte arrays.
type journalEntry struct {
	Cursor      string          `json:"__CURSOR"`
	RealtimeUS  string          `json:"__REALTIME_TIMESTAMP"`
	Unit        string          `json:"_SYSTEMD_UNIT"`
	Identifier  string          `json:"SYSLOG_IDENTIFIER"`
	MessageRaw  json.RawMessage `json:"MESSAGE"`
	Priority    string          `json:"PRIORITY"`
	PID         string          `json:"_PID"`
	Comm        string          `json:"_COMM"`
	Facility    string          `json:"SYSLOG_FACILITY"`
}

// parseJournalEntry transforms one journalctl JSON line into an Entry.
func parseJournalEntry(line []byte, node string) (Entry, error) {
	var je journalEntry
	if err := json.Unmarshal(line, &je); err != nil {
		return Entry{}, fmt.Errorf("parse journal json: %w", err)
	}

	var message string
	if len(je.MessageRaw) > 0 {
		if err := json.Unmarshal(je.MessageRaw, &message); err != nil {
			// Byte-array form: non-UTF-8 payload, pass it through lossily.
			var raw []int
			if err := json.Unmarshal(je.MessageRaw, &raw); err != nil {
				return Entry{}, fmt.Errorf("parse MESSAGE: %w", err)
			}
			b := make([]byte, len(raw))
			for i, v := range raw {
				b[i] = byte(v)
			}
			message = string(b)
		}
	}

	us, err := strconv.ParseInt(je.RealtimeUS, 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("parse __REALTIME_TIMESTAMP %q: %w", je.RealtimeUS, err)
	}

	service := je.Unit
	if service == "" {
		service = je.Identifier
	}
	if service == "" {
		service = "unknown"
	}

	meta := map[string]string{}
	if je.PID != "" {
		meta["pid"] = je.PID
	}
	if je.Comm != "" {
		meta["comm"] = je.Comm
	}
	if je.Facility != "" {
		meta["facility"] = je.Facility
	}
	if len(meta) == 0 {
		meta = nil
	}

	return Entry{
		Event: event.Event{
			Timestamp: time.UnixMicro(us).UTC(),
			Source:    "journald",
			Service:   service,
			Host:      node,
			Level:     priorityLevel(je.Priority),
			Message:   message,
			Meta:      meta,
		},
		Cursor: je.Cursor,
	}, nil
}
