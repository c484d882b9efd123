package template

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"logmesh/internal/canon"
	"logmesh/internal/logging"
	"logmesh/internal/store"
)

const (
	createAttempts = 3
	createBackoff  = 200 * time.Millisecond
)

// Embedder produces one vector per text, nil for texts it could not embed.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Message is one raw log occurrence submitted for resolution.
type Message struct {
	Timestamp time.Time
	Service   string
	Level     string
	Host      string
	Message   string
}

// Resolver maps batches of raw messages to template ids, creating template
// rows for fingerprints nobody has seen before. Creation is conflict
// tolerant: concurrent resolvers racing on the same new fingerprint converge
// on the store's winning row.
type Resolver struct {
	cache   *Cache
	store   store.TemplateStore
	embed   Embedder
	version canon.Version
	logger  *slog.Logger

	// test seam for the conflict re-read backoff
	sleep func(context.Context, time.Duration) error
}

// NewResolver builds a resolver using the active canonicalization version.
func NewResolver(cache *Cache, ts store.TemplateStore, embedder Embedder, logger *slog.Logger) *Resolver {
	return &Resolver{
		cache:   cache,
		store:   ts,
		embed:   embedder,
		version: canon.Active,
		logger:  logging.Default(logger).With("component", "resolver"),
		sleep:   sleepCtx,
	}
}

// Warm pre-loads the cache with the store's most recently seen templates.
func (r *Resolver) Warm(ctx context.Context, limit int) error {
	rows, err := r.store.RecentTemplates(ctx, limit)
	if err != nil {
		return fmt.Errorf("warming template cache: %w", err)
	}
	r.cache.Warm(rows)
	r.logger.Info("template cache warmed", "templates", len(rows))
	return nil
}

// Resolve returns one template id per message, parallel to msgs, with nil
// for messages whose template could not be created this round (embedding
// outage). It also returns the aggregated per-template stats for the batch,
// which the caller persists in the same transaction as the events.
//
// An error is returned only for store failures; callers degrade by ingesting
// events unresolved and letting the safety-net sweep link them later.
func (r *Resolver) Resolve(ctx context.Context, msgs []Message) ([]*int64, []store.TemplateStat, error) {
	if len(msgs) == 0 {
		return nil, nil, nil
	}

	// Phase 1: canonicalize and fingerprint, deduplicating within the
	// batch so bursty repeats cost one resolution.
	hashes := make([]string, len(msgs))
	type pending struct {
		canonical string
		service   string
		level     string
	}
	unique := make(map[string]pending)
	for i, m := range msgs {
		canonical, hash, err := canon.Key(m.Message, m.Service, m.Level, r.version)
		if err != nil {
			return nil, nil, fmt.Errorf("canonicalizing message: %w", err)
		}
		hashes[i] = hash
		if _, ok := unique[hash]; !ok {
			unique[hash] = pending{canonical: canonical, service: m.Service, level: m.Level}
		}
	}

	// Phase 2: cache probe.
	resolved := make(map[string]int64, len(unique))
	var misses []string
	for hash := range unique {
		if id, ok := r.cache.Get(hash); ok {
			resolved[hash] = id
		} else {
			misses = append(misses, hash)
		}
	}

	// Phase 3: one batched store probe for the cache misses, warming the
	// cache with every hit.
	if len(misses) > 0 {
		found, err := r.store.TemplatesByHash(ctx, misses)
		if err != nil {
			return nil, nil, fmt.Errorf("template lookup: %w", err)
		}
		remaining := misses[:0]
		for _, hash := range misses {
			if id, ok := found[hash]; ok {
				resolved[hash] = id
				r.cache.Put(hash, id)
			} else {
				remaining = append(remaining, hash)
			}
		}
		misses = remaining
	}

	// Phase 4: create the true novelties. Embedding happens before and
	// outside any store transaction; a missing vector skips creation for
	// this round only.
	if len(misses) > 0 {
		sort.Strings(misses)
		texts := make([]string, len(misses))
		for i, hash := range misses {
			texts[i] = unique[hash].canonical
		}
		vectors, err := r.embed.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, nil, fmt.Errorf("embedding templates: %w", err)
		}
		now := time.Now().UTC()
		for i, hash := range misses {
			if vectors[i] == nil {
				r.logger.Warn("no embedding, template creation deferred", "hash", hash)
				continue
			}
			p := unique[hash]
			id, err := r.create(ctx, &store.Template{
				Hash:          hash,
				CanonicalText: p.canonical,
				Service:       p.service,
				Level:         p.level,
				Embedding:     vectors[i],
				CanonVersion:  string(r.version),
				FirstSeen:     now,
				LastSeen:      now,
			})
			if err != nil {
				return nil, nil, err
			}
			resolved[hash] = id
			r.cache.Put(hash, id)
		}
	}

	// Phase 5: aggregate stats over the original, non-deduplicated list.
	// One increment per template per batch, whatever the repeat rate.
	statByHash := make(map[string]*store.TemplateStat)
	ids := make([]*int64, len(msgs))
	for i, m := range msgs {
		hash := hashes[i]
		id, ok := resolved[hash]
		if !ok {
			continue
		}
		ids[i] = &id
		st := statByHash[hash]
		if st == nil {
			st = &store.TemplateStat{Hash: hash, TemplateID: id}
			statByHash[hash] = st
		}
		st.Count++
		if m.Timestamp.After(st.LastSeen) {
			st.LastSeen = m.Timestamp
		}
		st.Hosts = appendHost(st.Hosts, m.Host)
	}

	stats := make([]store.TemplateStat, 0, len(statByHash))
	for _, st := range statByHash {
		sort.Strings(st.Hosts)
		stats = append(stats, *st)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Hash < stats[j].Hash })
	return ids, stats, nil
}

// create inserts a template, resolving insert races by re-reading the row
// the concurrent winner committed. The re-read is retried a few times with a
// short backoff to ride out the gap between the loser's conflict and the
// winner's commit becoming visible.
func (r *Resolver) create(ctx context.Context, t *store.Template) (int64, error) {
	for attempt := 1; ; attempt++ {
		id, err := r.store.InsertTemplate(ctx, t)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return 0, fmt.Errorf("creating template: %w", err)
		}

		found, err := r.store.TemplatesByHash(ctx, []string{t.Hash})
		if err != nil {
			return 0, fmt.Errorf("re-reading template after conflict: %w", err)
		}
		if id, ok := found[t.Hash]; ok {
			return id, nil
		}
		if attempt >= createAttempts {
			return 0, fmt.Errorf("template %s: conflict persisted after %d attempts", t.Hash, attempt)
		}
		if err := r.sleep(ctx, createBackoff); err != nil {
			return 0, err
		}
	}
}

func appendHost(hosts []string, host string) []string {
	for _, h := range hosts {
		if h == host {
			return hosts
		}
	}
	return append(hosts, host)
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
