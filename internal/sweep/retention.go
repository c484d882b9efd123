package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"logmesh/internal/logging"
	"logmesh/internal/store"
)

const defaultDeleteBatch = 1000

// RetentionConfig sets the age limits. A zero duration disables that limit.
type RetentionConfig struct {
	// MaxEventAge removes events older than this.
	MaxEventAge time.Duration
	// MaxTemplateIdle removes templates not seen for this long.
	MaxTemplateIdle time.Duration
	// BatchSize caps each delete statement.
	BatchSize int
	// DryRun logs the cutoffs without deleting anything.
	DryRun bool
}

// Retention enforces age limits on stored events and idle templates.
type Retention struct {
	cfg    RetentionConfig
	events store.EventStore
	logger *slog.Logger
	now    func() time.Time
}

// NewRetention builds the retention job.
func NewRetention(cfg RetentionConfig, events store.EventStore, logger *slog.Logger) *Retention {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultDeleteBatch
	}
	return &Retention{
		cfg:    cfg,
		events: events,
		logger: logging.Default(logger).With("component", "retention"),
		now:    time.Now,
	}
}

// Run applies both limits and returns the removed row counts.
func (r *Retention) Run(ctx context.Context) (events, templates int64, err error) {
	now := r.now().UTC()

	if r.cfg.MaxEventAge > 0 {
		cutoff := now.Add(-r.cfg.MaxEventAge)
		if r.cfg.DryRun {
			r.logger.Info("dry run: would delete events", "cutoff", cutoff)
		} else {
			events, err = r.events.DeleteEventsBefore(ctx, cutoff, r.cfg.BatchSize)
			if err != nil {
				return events, 0, fmt.Errorf("deleting expired events: %w", err)
			}
			if events > 0 {
				r.logger.Info("expired events removed", "count", events, "cutoff", cutoff)
			}
		}
	}

	if r.cfg.MaxTemplateIdle > 0 {
		cutoff := now.Add(-r.cfg.MaxTemplateIdle)
		if r.cfg.DryRun {
			r.logger.Info("dry run: would delete idle templates", "cutoff", cutoff)
		} else {
			templates, err = r.events.DeleteTemplatesLastSeenBefore(ctx, cutoff, r.cfg.BatchSize)
			if err != nil {
				return events, templates, fmt.Errorf("deleting idle templates: %w", err)
			}
			if templates > 0 {
				r.logger.Info("idle templates removed", "count", templates, "cutoff", cutoff)
			}
		}
	}

	return events, templates, nil
}
