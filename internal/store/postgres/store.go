// Package postgres implements the store contract on PostgreSQL with the
// pgvector extension.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"logmesh/internal/event"
	"logmesh/internal/logging"
	"logmesh/internal/store"
)

const (
	defaultDimension   = 4096
	defaultQueryLimit  = 100
	maxQueryLimit      = 1000
	defaultDeleteBatch = 1000
)

// Config for the Postgres store.
type Config struct {
	DSN       string
	Dimension int
	MaxConns  int32
}

// insertMode selects which event-insert path this process uses. It is fixed
// at startup from the detected capabilities and never re-checked per request.
type insertMode int

const (
	insertPlain insertMode = iota
	insertWithEmbedding
	insertWithTemplate
)

// Store is the PostgreSQL store implementation.
type Store struct {
	pool   *pgxpool.Pool
	caps   store.Capabilities
	mode   insertMode
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// New connects, migrates, and probes the schema. Migrations run over a
// plain connection: the vector type can only be registered on pool
// connections once the extension exists.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	logger = logging.Default(logger).With("component", "store")
	if cfg.Dimension <= 0 {
		cfg.Dimension = defaultDimension
	}

	conn, err := pgx.Connect(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	err = runMigrations(ctx, conn, cfg.Dimension)
	conn.Close(ctx)
	if err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	caps, err := detectCapabilities(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("detect capabilities: %w", err)
	}

	s := &Store{pool: pool, caps: caps, mode: insertPlain, logger: logger}
	switch {
	case caps.Templates:
		s.mode = insertWithTemplate
	case caps.EventEmbedding:
		s.mode = insertWithEmbedding
	}
	logger.Info("store ready",
		"dedup", caps.EventDedup,
		"event_embedding", caps.EventEmbedding,
		"templates", caps.Templates)
	return s, nil
}

func detectCapabilities(ctx context.Context, pool *pgxpool.Pool) (store.Capabilities, error) {
	var caps store.Capabilities

	columnExists := func(table, column string) (bool, error) {
		var exists bool
		err := pool.QueryRow(ctx, `SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2
		)`, table, column).Scan(&exists)
		return exists, err
	}

	var err error
	if caps.EventDedup, err = columnExists("log_events", "log_hash"); err != nil {
		return caps, err
	}
	if caps.EventEmbedding, err = columnExists("log_events", "embedding"); err != nil {
		return caps, err
	}
	hasRef, err := columnExists("log_events", "template_id")
	if err != nil {
		return caps, err
	}
	hasTable, err := columnExists("log_templates", "template_hash")
	if err != nil {
		return caps, err
	}
	caps.Templates = hasRef && hasTable
	return caps, nil
}

// Capabilities returns the schema capabilities detected at startup.
func (s *Store) Capabilities() store.Capabilities { return s.caps }

// Ping checks store reachability.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

const eventColumns = `log_hash, ts, source, service, host, level, message,
	trace_id, span_id, event_type, error_code, meta`

func (s *Store) insertEvent(batch *pgx.Batch, r store.EventRow) {
	args := []any{
		r.Fingerprint, r.Timestamp.UTC(), r.Source, r.Service, r.Host,
		string(r.Level), r.Message,
		nullString(r.TraceID), nullString(r.SpanID),
		nullString(r.EventType), nullString(r.ErrorCode),
		metaJSON(r.Meta),
	}
	switch s.mode {
	case insertWithTemplate:
		batch.Queue(`INSERT INTO log_events (`+eventColumns+`, template_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12::jsonb,$13)
			ON CONFLICT (log_hash) DO NOTHING`,
			append(args, r.TemplateID)...)
	case insertWithEmbedding:
		batch.Queue(`INSERT INTO log_events (`+eventColumns+`, embedding)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12::jsonb,$13)
			ON CONFLICT (log_hash) DO NOTHING`,
			append(args, vectorOrNil(r.Embedding))...)
	default:
		batch.Queue(`INSERT INTO log_events (`+eventColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12::jsonb)
			ON CONFLICT (log_hash) DO NOTHING`,
			args...)
	}
}

// IngestBatch writes rows and applies stats in one transaction. A conflict
// on the dedup fingerprint is a duplicate, not an error. Stats are rescaled
// to the rows actually inserted before being applied: duplicates were
// counted when they first arrived.
func (s *Store) IngestBatch(ctx context.Context, rows []store.EventRow, stats []store.TemplateStat) (store.IngestResult, error) {
	var res store.IngestResult
	if len(rows) == 0 {
		return res, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, r := range rows {
		s.insertEvent(batch, r)
	}
	br := tx.SendBatch(ctx, batch)
	inserted := make([]store.EventRow, 0, len(rows))
	for _, r := range rows {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return res, mapError(fmt.Errorf("insert event: %w", err))
		}
		if tag.RowsAffected() > 0 {
			inserted = append(inserted, r)
		}
	}
	if err := br.Close(); err != nil {
		return res, fmt.Errorf("close batch: %w", err)
	}
	res.Inserted = len(inserted)
	res.Duplicates = len(rows) - res.Inserted

	if err := applyStats(ctx, tx, statsForInserted(stats, inserted)); err != nil {
		return res, err
	}
	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// TemplatesByHash returns hash -> id for every existing hash.
func (s *Store) TemplatesByHash(ctx context.Context, hashes []string) (map[string]int64, error) {
	out := make(map[string]int64, len(hashes))
	if len(hashes) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT template_hash, id FROM log_templates WHERE template_hash = ANY($1)`, hashes)
	if err != nil {
		return nil, fmt.Errorf("lookup templates: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var hash string
		var id int64
		if err := rows.Scan(&hash, &id); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out[hash] = id
	}
	return out, rows.Err()
}

// InsertTemplate inserts a template row, returning store.ErrConflict when a
// concurrent writer got there first.
func (s *Store) InsertTemplate(ctx context.Context, t *store.Template) (int64, error) {
	hosts := t.SourceHosts
	if hosts == nil {
		hosts = []string{}
	}
	hostsJSON, err := json.Marshal(hosts)
	if err != nil {
		return 0, fmt.Errorf("encode source hosts: %w", err)
	}

	var id int64
	err = s.pool.QueryRow(ctx, `INSERT INTO log_templates
		(template_hash, canonical_text, service, level, embedding,
		 canon_version, first_seen, last_seen, event_count, source_hosts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::jsonb)
		ON CONFLICT (template_hash) DO NOTHING
		RETURNING id`,
		t.Hash, t.CanonicalText, t.Service, t.Level,
		pgvector.NewVector(t.Embedding), t.CanonVersion,
		t.FirstSeen.UTC(), t.LastSeen.UTC(), t.EventCount, string(hostsJSON),
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrConflict
	}
	if err != nil {
		return 0, mapError(fmt.Errorf("insert template: %w", err))
	}
	return id, nil
}

// RecentTemplates returns the most recently seen hash -> id pairs.
func (s *Store) RecentTemplates(ctx context.Context, limit int) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT template_hash, id FROM log_templates ORDER BY last_seen DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent templates: %w", err)
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var hash string
		var id int64
		if err := rows.Scan(&hash, &id); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out[hash] = id
	}
	return out, rows.Err()
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ApplyTemplateStats applies aggregated updates outside a transaction
// (sweep path). The pipeline path goes through IngestBatch instead.
func (s *Store) ApplyTemplateStats(ctx context.Context, stats []store.TemplateStat) error {
	return applyStats(ctx, s.pool, stats)
}

// statsForInserted rescales a batch's aggregated template stats to the rows
// the insert actually accepted. Rows absorbed as duplicates were counted when
// they first arrived; crediting them again on redelivery would inflate
// event_count, last_seen, and the host set.
func statsForInserted(stats []store.TemplateStat, inserted []store.EventRow) []store.TemplateStat {
	if len(stats) == 0 || len(inserted) == 0 {
		return nil
	}
	agg := make(map[int64]*store.TemplateStat, len(stats))
	for _, r := range inserted {
		if r.TemplateID == nil {
			continue
		}
		st := agg[*r.TemplateID]
		if st == nil {
			st = &store.TemplateStat{}
			agg[*r.TemplateID] = st
		}
		st.Count++
		if ts := r.Timestamp.UTC(); ts.After(st.LastSeen) {
			st.LastSeen = ts
		}
		st.Hosts = addHost(st.Hosts, r.Host)
	}

	out := make([]store.TemplateStat, 0, len(stats))
	for _, st := range stats {
		a := agg[st.TemplateID]
		if a == nil {
			continue
		}
		sort.Strings(a.Hosts)
		st.Count = a.Count
		st.LastSeen = a.LastSeen
		st.Hosts = a.Hosts
		out = append(out, st)
	}
	return out
}

func addHost(hosts []string, host string) []string {
	for _, h := range hosts {
		if h == host {
			return hosts
		}
	}
	return append(hosts, host)
}

func applyStats(ctx context.Context, q execer, stats []store.TemplateStat) error {
	for _, st := range stats {
		hosts := st.Hosts
		if hosts == nil {
			hosts = []string{}
		}
		hostsJSON, err := json.Marshal(hosts)
		if err != nil {
			return fmt.Errorf("encode stat hosts: %w", err)
		}
		_, err = q.Exec(ctx, `UPDATE log_templates SET
			event_count = event_count + $2,
			last_seen = GREATEST(last_seen, $3),
			source_hosts = (
				SELECT COALESCE(jsonb_agg(DISTINCT h), '[]'::jsonb)
				FROM jsonb_array_elements_text(source_hosts || $4::jsonb) AS u(h)
			)
			WHERE template_hash = $1`,
			st.Hash, st.Count, st.LastSeen.UTC(), string(hostsJSON))
		if err != nil {
			return fmt.Errorf("apply template stat %s: %w", st.Hash, err)
		}
	}
	return nil
}

// QueryEvents reads events matching q, newest first.
func (s *Store) QueryEvents(ctx context.Context, q store.EventQuery) ([]store.StoredEvent, error) {
	var conds []string
	var args []any
	add := func(expr string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}
	if q.Service != "" {
		add("service = $%d", q.Service)
	}
	if q.Host != "" {
		add("host = $%d", q.Host)
	}
	if q.Level != "" {
		add("level = $%d", strings.ToUpper(q.Level))
	}
	if !q.Start.IsZero() {
		add("ts >= $%d", q.Start.UTC())
	}
	if !q.End.IsZero() {
		add("ts <= $%d", q.End.UTC())
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	offset := max(q.Offset, 0)

	sql := `SELECT id, log_hash, ts, source, service, host, level, message,
		COALESCE(trace_id, ''), COALESCE(span_id, ''),
		COALESCE(event_type, ''), COALESCE(error_code, ''),
		COALESCE(meta, '{}'::jsonb), template_id
		FROM log_events`
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	sql += fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []store.StoredEvent
	for rows.Next() {
		var ev store.StoredEvent
		var level string
		if err := rows.Scan(&ev.ID, &ev.Fingerprint, &ev.Timestamp,
			&ev.Source, &ev.Service, &ev.Host, &level, &ev.Message,
			&ev.TraceID, &ev.SpanID, &ev.EventType, &ev.ErrorCode,
			&ev.Meta, &ev.TemplateID); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Level = event.Level(level)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// OrphanEvents returns events with no template link, in id order.
func (s *Store) OrphanEvents(ctx context.Context, afterID int64, limit int) ([]store.OrphanEvent, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, ts, service, host, level, message
		FROM log_events
		WHERE template_id IS NULL AND id > $1
		ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query orphan events: %w", err)
	}
	defer rows.Close()

	var out []store.OrphanEvent
	for rows.Next() {
		var o store.OrphanEvent
		if err := rows.Scan(&o.ID, &o.Timestamp, &o.Service, &o.Host, &o.Level, &o.Message); err != nil {
			return nil, fmt.Errorf("scan orphan event: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// LinkEvents sets template references for the given event ids and returns
// the ids actually linked. Events linked by somebody else in the meantime
// are skipped and absent from the result.
func (s *Store) LinkEvents(ctx context.Context, links map[int64]int64) ([]int64, error) {
	if len(links) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(links))
	for eventID := range links {
		ids = append(ids, eventID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	batch := &pgx.Batch{}
	for _, eventID := range ids {
		batch.Queue(`UPDATE log_events SET template_id = $2
			WHERE id = $1 AND template_id IS NULL`, eventID, links[eventID])
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	var linked []int64
	for _, eventID := range ids {
		tag, err := br.Exec()
		if err != nil {
			return linked, fmt.Errorf("link event: %w", err)
		}
		if tag.RowsAffected() > 0 {
			linked = append(linked, eventID)
		}
	}
	return linked, nil
}

// DeleteEventsBefore removes events older than cutoff in bounded batches.
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	return s.batchedDelete(ctx, `DELETE FROM log_events WHERE id IN (
		SELECT id FROM log_events WHERE ts < $1 LIMIT $2)`, cutoff, batchSize)
}

// DeleteTemplatesLastSeenBefore removes templates whose last-seen left the
// retention window.
func (s *Store) DeleteTemplatesLastSeenBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	return s.batchedDelete(ctx, `DELETE FROM log_templates WHERE id IN (
		SELECT id FROM log_templates WHERE last_seen < $1 LIMIT $2)`, cutoff, batchSize)
}

func (s *Store) batchedDelete(ctx context.Context, sql string, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = defaultDeleteBatch
	}
	var total int64
	for {
		tag, err := s.pool.Exec(ctx, sql, cutoff.UTC(), batchSize)
		if err != nil {
			return total, fmt.Errorf("batched delete: %w", err)
		}
		total += tag.RowsAffected()
		if tag.RowsAffected() < int64(batchSize) {
			return total, nil
		}
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func metaJSON(meta map[string]string) any {
	if len(meta) == 0 {
		return nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	return string(b)
}

func vectorOrNil(vec []float32) any {
	if vec == nil {
		return nil
	}
	return pgvector.NewVector(vec)
}

// mapError translates driver-level conflicts into the vendor-agnostic
// sentinel.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.ConstraintName)
	}
	return err
}
