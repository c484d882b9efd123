// Package store defines the persistence contract for log events and
// templates. The concrete Postgres implementation lives in store/postgres;
// everything above it programs against these types so resolver and pipeline
// logic stays vendor-agnostic.
package store

import (
	"context"
	"errors"
	"time"

	"logmesh/internal/event"
)

var (
	// ErrConflict reports a unique-constraint violation. For template
	// creation this is an expected outcome of concurrent writers, not a
	// failure: the caller re-reads the winning row.
	ErrConflict = errors.New("unique constraint conflict")

	// ErrNotFound reports that a requested row does not exist.
	ErrNotFound = errors.New("not found")
)

// Capabilities describes what the connected schema supports. It is computed
// once at startup; enrichment behavior is fixed from it and never re-probed
// per request. A missing capability disables its subsystem rather than
// failing ingestion.
type Capabilities struct {
	EventDedup     bool // events table has a unique dedup fingerprint column
	EventEmbedding bool // events table has an embedding vector column
	Templates      bool // templates table exists and events can reference it
}

// Template is one stored canonical template row.
type Template struct {
	ID            int64
	Hash          string
	CanonicalText string
	Service       string
	Level         string
	Embedding     []float32
	CanonVersion  string
	FirstSeen     time.Time
	LastSeen      time.Time
	EventCount    int64
	SourceHosts   []string
}

// TemplateStat is one aggregated per-template update for a batch: a single
// counter increment of magnitude Count, a last-seen bump, and a host-set
// union, regardless of how many events in the batch hit the template.
// TemplateID carries the resolved row id so the write path can attribute
// event rows back to their stat.
type TemplateStat struct {
	Hash       string
	TemplateID int64
	Count      int64
	LastSeen   time.Time
	Hosts      []string
}

// EventRow is an event prepared for persistence, carrying whichever
// enrichment the active capability mode produced.
type EventRow struct {
	event.Event
	Fingerprint string
	Embedding   []float32
	TemplateID  *int64
}

// StoredEvent is an event read back from the store.
type StoredEvent struct {
	ID int64
	event.Event
	Fingerprint string
	TemplateID  *int64
}

// OrphanEvent is the projection of an event with no template link, as
// consumed by the safety-net sweep.
type OrphanEvent struct {
	ID        int64
	Timestamp time.Time
	Service   string
	Host      string
	Level     string
	Message   string
}

// EventQuery filters a read of stored events. Zero values mean "no filter".
type EventQuery struct {
	Service string
	Host    string
	Level   string
	Start   time.Time
	End     time.Time
	Limit   int
	Offset  int
}

// IngestResult reports the outcome of one bulk event write.
type IngestResult struct {
	Inserted   int
	Duplicates int
}

// TemplateStore is the template side of the contract, consumed by the
// resolver.
type TemplateStore interface {
	// TemplatesByHash returns hash -> id for every hash that exists.
	// Absent hashes are simply missing from the map.
	TemplatesByHash(ctx context.Context, hashes []string) (map[string]int64, error)

	// InsertTemplate inserts a new template row and returns its id, or
	// ErrConflict if a row with the same hash already exists.
	InsertTemplate(ctx context.Context, t *Template) (int64, error)

	// ApplyTemplateStats applies aggregated counter/last-seen/host-set
	// updates, one statement per stat.
	ApplyTemplateStats(ctx context.Context, stats []TemplateStat) error

	// RecentTemplates returns up to limit hash -> id pairs ordered by
	// last seen, for warming the process-local cache at startup.
	RecentTemplates(ctx context.Context, limit int) (map[string]int64, error)
}

// EventStore is the event side of the contract, consumed by the pipeline,
// the query endpoint, and the sweep jobs.
type EventStore interface {
	// IngestBatch writes rows with insert-or-ignore dedup semantics and
	// applies stats in the same transaction. Either everything commits
	// or nothing does. Stats are applied only in proportion to the rows
	// actually inserted: occurrences absorbed as duplicates were counted
	// when they were first ingested and must not be counted again.
	IngestBatch(ctx context.Context, rows []EventRow, stats []TemplateStat) (IngestResult, error)

	// QueryEvents reads events matching q, newest first.
	QueryEvents(ctx context.Context, q EventQuery) ([]StoredEvent, error)

	// OrphanEvents returns up to limit events with no template link and
	// id greater than afterID, in id order.
	OrphanEvents(ctx context.Context, afterID int64, limit int) ([]OrphanEvent, error)

	// LinkEvents sets the template reference for each event id and
	// returns the ids actually linked. Events a concurrent linker claimed
	// first are skipped and absent from the result.
	LinkEvents(ctx context.Context, links map[int64]int64) ([]int64, error)

	// DeleteEventsBefore removes events older than cutoff in batches of
	// batchSize, returning the number of rows removed.
	DeleteEventsBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)

	// DeleteTemplatesLastSeenBefore removes templates whose last-seen
	// timestamp is older than cutoff, returning the number removed.
	DeleteTemplatesLastSeenBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// Store is the full persistence contract.
type Store interface {
	TemplateStore
	EventStore

	Capabilities() Capabilities
	Ping(ctx context.Context) error
	Close()
}
