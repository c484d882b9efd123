// Package event defines the log event data model shared by the ingest
// pipeline, the HTTP API, and the shipper. The JSON field names are the wire
// contract of the ingest endpoint and must not change.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Level is a log severity level. Both WARN and WARNING are accepted on the
// wire because upstream exporters disagree on the spelling.
type Level string

const (
	LevelDebug    Level = "DEBUG"
	LevelInfo     Level = "INFO"
	LevelWarn     Level = "WARN"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
	LevelFatal    Level = "FATAL"
)

var levels = map[Level]bool{
	LevelDebug:    true,
	LevelInfo:     true,
	LevelWarn:     true,
	LevelWarning:  true,
	LevelError:    true,
	LevelCritical: true,
	LevelFatal:    true,
}

// Valid reports whether l is a known severity level.
func (l Level) Valid() bool { return levels[l] }

// Field length caps, mirrored by the store schema.
const (
	maxNameLen      = 255
	maxTraceIDLen   = 64
	maxSpanIDLen    = 32
	maxEventTypeLen = 100
	maxErrorCodeLen = 50
)

// Event is one observed log occurrence. Events are immutable after ingestion.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Service   string            `json:"service"`
	Host      string            `json:"host"`
	Level     Level             `json:"level"`
	Message   string            `json:"message"`
	TraceID   string            `json:"trace_id,omitempty"`
	SpanID    string            `json:"span_id,omitempty"`
	EventType string            `json:"event_type,omitempty"`
	ErrorCode string            `json:"error_code,omitempty"`
	Meta      map[string]string `json:"meta_json,omitempty"`
}

// Validate checks required fields and length caps. It returns the first
// problem found, phrased for inclusion in a per-row error list.
func (e *Event) Validate() error {
	switch {
	case e.Timestamp.IsZero():
		return fmt.Errorf("timestamp is required")
	case e.Source == "":
		return fmt.Errorf("source is required")
	case e.Service == "":
		return fmt.Errorf("service is required")
	case e.Host == "":
		return fmt.Errorf("host is required")
	case e.Message == "":
		return fmt.Errorf("message is required")
	case !e.Level.Valid():
		return fmt.Errorf("unknown level %q", e.Level)
	case len(e.Source) > maxNameLen:
		return fmt.Errorf("source exceeds %d characters", maxNameLen)
	case len(e.Service) > maxNameLen:
		return fmt.Errorf("service exceeds %d characters", maxNameLen)
	case len(e.Host) > maxNameLen:
		return fmt.Errorf("host exceeds %d characters", maxNameLen)
	case len(e.TraceID) > maxTraceIDLen:
		return fmt.Errorf("trace_id exceeds %d characters", maxTraceIDLen)
	case len(e.SpanID) > maxSpanIDLen:
		return fmt.Errorf("span_id exceeds %d characters", maxSpanIDLen)
	case len(e.EventType) > maxEventTypeLen:
		return fmt.Errorf("event_type exceeds %d characters", maxEventTypeLen)
	case len(e.ErrorCode) > maxErrorCodeLen:
		return fmt.Errorf("error_code exceeds %d characters", maxErrorCodeLen)
	}
	return nil
}

// Fingerprint returns the deduplication fingerprint for the event: a
// truncated SHA-256 over timestamp, host, service, and message. Redelivery
// of the same event always produces the same fingerprint, which the store's
// unique index turns into a silent no-op.
func (e *Event) Fingerprint() string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%s",
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.Host, e.Service, e.Message))
	return hex.EncodeToString(h[:])[:16]
}
