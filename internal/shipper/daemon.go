package shipper

import (
	"context"
	"log/slog"
	"time"

	"logmesh/internal/event"
	"logmesh/internal/logging"
)

// Deliverer ships a batch to the ingestion endpoint. Any error means the
// batch was not accepted; redelivery is safe because the pipeline dedups on
// event fingerprints.
type Deliverer interface {
	Ship(ctx context.Context, events []event.Event) error
}

// Config for the daemon.
type Config struct {
	// BatchSize triggers a flush when the buffer reaches it.
	BatchSize int
	// FlushInterval bounds how long a partial batch may sit buffered.
	FlushInterval time.Duration
	// RetryDelay is the wait before the single delivery retry.
	RetryDelay time.Duration
	// RestartDelay is the supervisor wait after a streaming crash.
	RestartDelay time.Duration
	// ShutdownTimeout bounds the final flush-or-spool on shutdown.
	ShutdownTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = 5 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Daemon tails a source and forwards filtered events in batches. It owns
// crash recovery: the cursor file bounds re-reads across restarts, and the
// spool captures batches the endpoint would not take.
type Daemon struct {
	cfg     Config
	source  Source
	deliver Deliverer
	filter  *Filter
	cursor  *CursorFile
	spool   *Spool
	logger  *slog.Logger

	buf        []event.Event
	lastCursor string

	sleep func(context.Context, time.Duration) error
}

// New builds a daemon.
func New(cfg Config, source Source, deliver Deliverer, filter *Filter, cursor *CursorFile, spool *Spool, logger *slog.Logger) *Daemon {
	cfg.applyDefaults()
	if filter == nil {
		filter = NewFilter(FilterConfig{})
	}
	return &Daemon{
		cfg:     cfg,
		source:  source,
		deliver: deliver,
		filter:  filter,
		cursor:  cursor,
		spool:   spool,
		logger:  logging.Default(logger).With("component", "shipper"),
		sleep:   sleepCtx,
	}
}

// Run replays the spool, then streams until ctx is cancelled. Streaming
// crashes restart the tail after a delay instead of exiting.
func (d *Daemon) Run(ctx context.Context) error {
	replayed, remaining, err := d.spool.Replay(ctx, d.deliver.Ship)
	if err != nil {
		d.logger.Warn("spool replay incomplete", "error", err)
	}
	if replayed > 0 || remaining > 0 {
		d.logger.Info("spool replay done", "replayed", replayed, "remaining", remaining)
	}

	for {
		err := d.stream(ctx)
		if ctx.Err() != nil {
			d.logger.Info("shipper stopped")
			return nil
		}
		d.logger.Error("stream ended, restarting", "error", err, "delay", d.cfg.RestartDelay)
		if err := d.sleep(ctx, d.cfg.RestartDelay); err != nil {
			return nil
		}
	}
}

// stream runs one tailing session: source goroutine, batching loop, flush
// on size or age, final flush-or-spool on the way out.
func (d *Daemon) stream(ctx context.Context) error {
	srcCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan Entry, d.cfg.BatchSize)
	srcDone := make(chan error, 1)
	go func() {
		srcDone <- d.source.Run(srcCtx, entries)
	}()

	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			<-srcDone
			return nil

		case err := <-srcDone:
			d.shutdown()
			return err

		case e := <-entries:
			if e.Cursor != "" {
				d.lastCursor = e.Cursor
			}
			if keep, pattern := d.filter.Keep(e.Event); !keep {
				d.logger.Debug("event dropped by filter", "pattern", pattern, "service", e.Event.Service)
				continue
			}
			d.buf = append(d.buf, e.Event)
			if len(d.buf) >= d.cfg.BatchSize {
				d.flushOrSpool(ctx)
			}

		case <-ticker.C:
			d.flushOrSpool(ctx)
		}
	}
}

// shutdown flushes or spools whatever is buffered and saves the final
// cursor, on a fresh context because the run context is already cancelled.
func (d *Daemon) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
	defer cancel()
	d.flushOrSpool(ctx)
	d.saveCursor()
}

// flushOrSpool delivers the buffered batch: one attempt, one delayed retry,
// then the dead-letter spool. The buffer is never silently dropped; if even
// spooling fails the batch goes back into the buffer.
func (d *Daemon) flushOrSpool(ctx context.Context) {
	if len(d.buf) == 0 {
		return
	}
	batch := d.buf
	d.buf = nil

	err := d.deliver.Ship(ctx, batch)
	if err != nil {
		d.logger.Warn("delivery failed, retrying once", "events", len(batch), "error", err, "delay", d.cfg.RetryDelay)
		if d.sleep(ctx, d.cfg.RetryDelay) == nil {
			err = d.deliver.Ship(ctx, batch)
		}
	}
	if err != nil {
		if spoolErr := d.spool.Append(batch); spoolErr != nil {
			d.logger.Error("spooling failed, re-buffering batch", "events", len(batch), "error", spoolErr)
			d.buf = append(batch, d.buf...)
			return
		}
	} else {
		d.logger.Debug("batch delivered", "events", len(batch))
	}

	// Delivered or durably spooled: the cursor may advance.
	d.saveCursor()
}

func (d *Daemon) saveCursor() {
	if err := d.cursor.Save(d.lastCursor); err != nil {
		d.logger.Warn("failed to save cursor", "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
