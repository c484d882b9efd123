// Package ingest accepts batches of log events and persists them exactly
// once under at-least-once delivery. Enrichment (template linking or
// per-event embedding) is selected once at startup from the store's
// capabilities and fixed for the process lifetime.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"logmesh/internal/event"
	"logmesh/internal/logging"
	"logmesh/internal/store"
	"logmesh/internal/template"
)

const (
	defaultMaxBatch = 1000
	maxErrorDetails = 10
)

var (
	// ErrEmptyBatch rejects a batch with no events, before any store access.
	ErrEmptyBatch = errors.New("empty batch")

	// ErrBatchTooLarge rejects a batch over the configured maximum.
	ErrBatchTooLarge = errors.New("batch too large")
)

// Mode is the enrichment strategy attached to ingested events.
type Mode int

const (
	// ModePlain stores events without enrichment.
	ModePlain Mode = iota
	// ModeEmbedding attaches a per-event embedding vector.
	ModeEmbedding
	// ModeTemplates links events to resolved templates.
	ModeTemplates
)

func (m Mode) String() string {
	switch m {
	case ModeEmbedding:
		return "embedding"
	case ModeTemplates:
		return "templates"
	default:
		return "plain"
	}
}

// Resolver is the template resolution dependency.
type Resolver interface {
	Resolve(ctx context.Context, msgs []template.Message) ([]*int64, []store.TemplateStat, error)
}

// Config for the pipeline.
type Config struct {
	MaxBatchSize int
}

// Result is the outcome of one ingestion call. Error details are capped so
// a pathological batch cannot inflate the response without bound.
type Result struct {
	Ingested   int      `json:"ingested"`
	Duplicates int      `json:"duplicates"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors,omitempty"`
}

// Pipeline validates, enriches, and writes event batches.
type Pipeline struct {
	store    store.EventStore
	resolver Resolver
	embedder template.Embedder
	mode     Mode
	maxBatch int
	logger   *slog.Logger
}

// New builds a pipeline. The mode is derived from caps and the dependencies
// actually provided; a capability without its dependency falls back to the
// next mode down.
func New(st store.EventStore, caps store.Capabilities, resolver Resolver, embedder template.Embedder, cfg Config, logger *slog.Logger) *Pipeline {
	p := &Pipeline{
		store:    st,
		resolver: resolver,
		embedder: embedder,
		mode:     ModePlain,
		maxBatch: cfg.MaxBatchSize,
		logger:   logging.Default(logger).With("component", "ingest"),
	}
	if p.maxBatch <= 0 {
		p.maxBatch = defaultMaxBatch
	}
	switch {
	case caps.Templates && resolver != nil:
		p.mode = ModeTemplates
	case caps.EventEmbedding && embedder != nil:
		p.mode = ModeEmbedding
	}
	p.logger.Info("ingestion pipeline ready", "mode", p.mode.String(), "max_batch", p.maxBatch)
	return p
}

// Mode returns the enrichment mode fixed at construction.
func (p *Pipeline) Mode() Mode { return p.mode }

// Ingest validates and persists a batch. Per-row validation failures never
// abort the valid rows; a returned error means nothing was persisted.
func (p *Pipeline) Ingest(ctx context.Context, events []event.Event) (Result, error) {
	var res Result
	if len(events) == 0 {
		return res, ErrEmptyBatch
	}
	if len(events) > p.maxBatch {
		return res, fmt.Errorf("%w: %d events, maximum %d", ErrBatchTooLarge, len(events), p.maxBatch)
	}

	rows := make([]store.EventRow, 0, len(events))
	for i, ev := range events {
		if err := ev.Validate(); err != nil {
			res.Failed++
			if len(res.Errors) < maxErrorDetails {
				res.Errors = append(res.Errors, fmt.Sprintf("event %d: %v", i, err))
			}
			continue
		}
		rows = append(rows, store.EventRow{Event: ev, Fingerprint: ev.Fingerprint()})
	}
	if len(rows) == 0 {
		return res, nil
	}

	var stats []store.TemplateStat
	switch p.mode {
	case ModeTemplates:
		stats = p.attachTemplates(ctx, rows)
	case ModeEmbedding:
		p.attachEmbeddings(ctx, rows)
	}

	written, err := p.store.IngestBatch(ctx, rows, stats)
	if err != nil {
		return Result{}, fmt.Errorf("writing batch: %w", err)
	}
	res.Ingested = written.Inserted
	res.Duplicates = written.Duplicates
	return res, nil
}

// attachTemplates resolves templates for the rows and returns the batch's
// aggregated stats. Resolution failure degrades to unlinked rows; the
// safety-net sweep links them later.
func (p *Pipeline) attachTemplates(ctx context.Context, rows []store.EventRow) []store.TemplateStat {
	msgs := make([]template.Message, len(rows))
	for i, r := range rows {
		msgs[i] = template.Message{
			Timestamp: r.Timestamp,
			Service:   r.Service,
			Level:     string(r.Level),
			Host:      r.Host,
			Message:   r.Message,
		}
	}
	ids, stats, err := p.resolver.Resolve(ctx, msgs)
	if err != nil {
		p.logger.Warn("template resolution failed, ingesting unresolved", "error", err, "events", len(rows))
		return nil
	}
	for i := range rows {
		rows[i].TemplateID = ids[i]
	}
	return stats
}

// attachEmbeddings embeds each message directly. Missing vectors are
// tolerated, the rows just stay unembedded.
func (p *Pipeline) attachEmbeddings(ctx context.Context, rows []store.EventRow) {
	texts := make([]string, len(rows))
	for i, r := range rows {
		texts[i] = r.Message
	}
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		p.logger.Warn("event embedding failed, ingesting unembedded", "error", err, "events", len(rows))
		return
	}
	for i := range rows {
		rows[i].Embedding = vectors[i]
	}
}
