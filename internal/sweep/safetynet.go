// Package sweep holds the scheduled background jobs: the template safety
// net, which repairs events left without a template link when the resolver
// was degraded at ingest time, and retention, which enforces age limits on
// events and idle templates.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"logmesh/internal/logging"
	"logmesh/internal/store"
	"logmesh/internal/template"
)

const (
	// defaultScanLimit bounds one safety-net run so a huge backlog is
	// worked off across runs instead of in one long transaction burst.
	defaultScanLimit = 10000
	// scanBatch is the page size for the ID-cursored orphan scan.
	scanBatch = 500
)

// SafetyNet relinks orphaned events to templates. It reuses the live
// resolver, so repairs flow through the same cache and conflict handling as
// the ingest path.
type SafetyNet struct {
	events    store.EventStore
	templates store.TemplateStore
	resolver  *template.Resolver
	scanLimit int
	logger    *slog.Logger
}

// NewSafetyNet builds the safety-net job. scanLimit <= 0 uses the default.
func NewSafetyNet(events store.EventStore, templates store.TemplateStore, resolver *template.Resolver, scanLimit int, logger *slog.Logger) *SafetyNet {
	if scanLimit <= 0 {
		scanLimit = defaultScanLimit
	}
	return &SafetyNet{
		events:    events,
		templates: templates,
		resolver:  resolver,
		scanLimit: scanLimit,
		logger:    logging.Default(logger).With("component", "safety-net"),
	}
}

// Run scans for orphaned events and links as many as it can resolve.
// Returns the number of events linked.
func (s *SafetyNet) Run(ctx context.Context) (int64, error) {
	var (
		linked  int64
		scanned int
		afterID int64
	)

	for scanned < s.scanLimit {
		limit := scanBatch
		if remaining := s.scanLimit - scanned; remaining < limit {
			limit = remaining
		}
		orphans, err := s.events.OrphanEvents(ctx, afterID, limit)
		if err != nil {
			return linked, fmt.Errorf("scanning orphaned events: %w", err)
		}
		if len(orphans) == 0 {
			break
		}
		scanned += len(orphans)
		afterID = orphans[len(orphans)-1].ID

		n, err := s.repair(ctx, orphans)
		linked += n
		if err != nil {
			return linked, err
		}
	}

	if scanned > 0 {
		s.logger.Info("safety-net run complete", "scanned", scanned, "linked", linked)
	}
	return linked, nil
}

// repair resolves one page of orphans and links the resolvable ones.
func (s *SafetyNet) repair(ctx context.Context, orphans []store.OrphanEvent) (int64, error) {
	msgs := make([]template.Message, len(orphans))
	for i, o := range orphans {
		msgs[i] = template.Message{
			Timestamp: o.Timestamp,
			Service:   o.Service,
			Level:     o.Level,
			Host:      o.Host,
			Message:   o.Message,
		}
	}

	ids, stats, err := s.resolver.Resolve(ctx, msgs)
	if err != nil {
		return 0, fmt.Errorf("resolving orphaned events: %w", err)
	}

	links := make(map[int64]int64)
	for i, id := range ids {
		if id != nil {
			links[orphans[i].ID] = *id
		}
	}
	if len(links) == 0 {
		return 0, nil
	}

	linkedIDs, err := s.events.LinkEvents(ctx, links)
	if err != nil {
		return 0, fmt.Errorf("linking events: %w", err)
	}
	linked := int64(len(linkedIDs))

	// Orphans never counted at ingest time, so the stats are applied here.
	// Only the rows this run linked count: a concurrent linker already
	// credited the ones it claimed.
	if err := s.templates.ApplyTemplateStats(ctx, statsForLinked(orphans, ids, stats, linkedIDs)); err != nil {
		return linked, fmt.Errorf("applying template stats: %w", err)
	}
	return linked, nil
}

// statsForLinked rebuilds per-template stats over only the orphans that were
// actually linked. The resolver aggregates over the whole page, which would
// double-count rows another linker got to first.
func statsForLinked(orphans []store.OrphanEvent, ids []*int64, stats []store.TemplateStat, linkedIDs []int64) []store.TemplateStat {
	if len(linkedIDs) == 0 {
		return nil
	}
	linked := make(map[int64]bool, len(linkedIDs))
	for _, id := range linkedIDs {
		linked[id] = true
	}

	agg := make(map[int64]*store.TemplateStat, len(stats))
	for i, o := range orphans {
		if ids[i] == nil || !linked[o.ID] {
			continue
		}
		tid := *ids[i]
		st := agg[tid]
		if st == nil {
			st = &store.TemplateStat{TemplateID: tid}
			agg[tid] = st
		}
		st.Count++
		if o.Timestamp.After(st.LastSeen) {
			st.LastSeen = o.Timestamp
		}
		st.Hosts = addHost(st.Hosts, o.Host)
	}

	out := make([]store.TemplateStat, 0, len(agg))
	for _, st := range stats {
		a := agg[st.TemplateID]
		if a == nil {
			continue
		}
		a.Hash = st.Hash
		sort.Strings(a.Hosts)
		out = append(out, *a)
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
