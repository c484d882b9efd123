package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"logmesh/internal/event"
	"logmesh/internal/store"
	"logmesh/internal/template"
)

// fakeEventStore keeps rows in memory keyed by fingerprint.
type fakeEventStore struct {
	byFingerprint map[string]store.EventRow
	statsApplied  []store.TemplateStat
	batches       int
	failNext      bool
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{byFingerprint: map[string]store.EventRow{}}
}

func (f *fakeEventStore) IngestBatch(_ context.Context, rows []store.EventRow, stats []store.TemplateStat) (store.IngestResult, error) {
	if f.failNext {
		f.failNext = false
		return store.IngestResult{}, errors.New("store down")
	}
	f.batches++
	var res store.IngestResult
	byTemplate := map[int64]int64{}
	for _, r := range rows {
		if _, ok := f.byFingerprint[r.Fingerprint]; ok {
			res.Duplicates++
			continue
		}
		f.byFingerprint[r.Fingerprint] = r
		res.Inserted++
		if r.TemplateID != nil {
			byTemplate[*r.TemplateID]++
		}
	}
	// Mirror the store contract: stats count only the rows accepted.
	for _, st := range stats {
		if n := byTemplate[st.TemplateID]; n > 0 {
			st.Count = n
			f.statsApplied = append(f.statsApplied, st)
		}
	}
	return res, nil
}

func (f *fakeEventStore) QueryEvents(context.Context, store.EventQuery) ([]store.StoredEvent, error) {
	return nil, nil
}
func (f *fakeEventStore) OrphanEvents(context.Context, int64, int) ([]store.OrphanEvent, error) {
	return nil, nil
}
func (f *fakeEventStore) LinkEvents(context.Context, map[int64]int64) ([]int64, error) {
	return nil, nil
}
func (f *fakeEventStore) DeleteEventsBefore(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}
func (f *fakeEventStore) DeleteTemplatesLastSeenBefore(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}

// fakeResolver assigns the same id to everything, or fails.
type fakeResolver struct {
	fail  bool
	calls int
}

func (f *fakeResolver) Resolve(_ context.Context, msgs []template.Message) ([]*int64, []store.TemplateStat, error) {
	f.calls++
	if f.fail {
		return nil, nil, errors.New("resolver down")
	}
	id := int64(7)
	ids := make([]*int64, len(msgs))
	for i := range ids {
		ids[i] = &id
	}
	stats := []store.TemplateStat{{Hash: "h", TemplateID: id, Count: int64(len(msgs))}}
	return ids, stats, nil
}

type fakeEmbedder struct{ calls int }

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1}
	}
	return out, nil
}

func sampleEvents(n int) []event.Event {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	events := make([]event.Event, n)
	for i := range events {
		events[i] = event.Event{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Source:    "journald",
			Service:   "nginx.service",
			Host:      "web-01",
			Level:     event.LevelInfo,
			Message:   "request completed",
		}
	}
	return events
}

func templatePipeline(st store.EventStore, r Resolver) *Pipeline {
	return New(st, store.Capabilities{EventDedup: true, Templates: true}, r, nil, Config{}, nil)
}

func TestIngestRejectsEmptyAndOversized(t *testing.T) {
	st := newFakeEventStore()
	p := New(st, store.Capabilities{}, nil, nil, Config{MaxBatchSize: 2}, nil)

	if _, err := p.Ingest(context.Background(), nil); !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("empty batch: err = %v, want ErrEmptyBatch", err)
	}
	if _, err := p.Ingest(context.Background(), sampleEvents(3)); !errors.Is(err, ErrBatchTooLarge) {
		t.Errorf("oversized batch: err = %v, want ErrBatchTooLarge", err)
	}
	if st.batches != 0 {
		t.Error("rejected batches must never reach the store")
	}
}

func TestIngestThenRedeliver(t *testing.T) {
	st := newFakeEventStore()
	p := templatePipeline(st, &fakeResolver{})
	events := sampleEvents(4)

	res, err := p.Ingest(context.Background(), events)
	if err != nil {
		t.Fatal(err)
	}
	if res.Ingested != 4 || res.Duplicates != 0 {
		t.Errorf("first delivery: %+v, want 4 ingested, 0 duplicates", res)
	}

	res, err = p.Ingest(context.Background(), events)
	if err != nil {
		t.Fatal(err)
	}
	if res.Ingested != 0 || res.Duplicates != 4 {
		t.Errorf("redelivery: %+v, want 0 ingested, 4 duplicates", res)
	}
}

func TestRedeliveryDoesNotRecountTemplates(t *testing.T) {
	st := newFakeEventStore()
	p := templatePipeline(st, &fakeResolver{})
	events := sampleEvents(4)

	if _, err := p.Ingest(context.Background(), events); err != nil {
		t.Fatal(err)
	}
	if len(st.statsApplied) != 1 || st.statsApplied[0].Count != 4 {
		t.Fatalf("first delivery stats = %+v, want one increment of 4", st.statsApplied)
	}

	// Identical redelivery: every row is absorbed as a duplicate, so no
	// further counter increments may land.
	res, err := p.Ingest(context.Background(), events)
	if err != nil {
		t.Fatal(err)
	}
	if res.Ingested != 0 || res.Duplicates != 4 {
		t.Fatalf("redelivery: %+v, want 0 ingested, 4 duplicates", res)
	}
	if len(st.statsApplied) != 1 {
		t.Errorf("redelivered all-duplicate batch applied %d extra stat updates, want 0",
			len(st.statsApplied)-1)
	}

	// A partially overlapping batch credits only the new occurrences.
	if _, err := p.Ingest(context.Background(), sampleEvents(6)); err != nil {
		t.Fatal(err)
	}
	if len(st.statsApplied) != 2 || st.statsApplied[1].Count != 2 {
		t.Errorf("overlapping batch stats = %+v, want a final increment of 2", st.statsApplied)
	}
}

func TestIngestPartialValidationFailure(t *testing.T) {
	st := newFakeEventStore()
	p := templatePipeline(st, &fakeResolver{})

	events := sampleEvents(3)
	events[1].Message = ""

	res, err := p.Ingest(context.Background(), events)
	if err != nil {
		t.Fatal(err)
	}
	if res.Ingested != 2 || res.Failed != 1 {
		t.Errorf("got %+v, want 2 ingested, 1 failed", res)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "event 1") {
		t.Errorf("errors = %v", res.Errors)
	}
}

func TestIngestErrorListBounded(t *testing.T) {
	st := newFakeEventStore()
	p := templatePipeline(st, &fakeResolver{})

	events := sampleEvents(30)
	for i := range events {
		events[i].Service = ""
	}

	res, err := p.Ingest(context.Background(), events)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 30 {
		t.Errorf("failed = %d, want 30", res.Failed)
	}
	if len(res.Errors) != maxErrorDetails {
		t.Errorf("error list length = %d, want %d", len(res.Errors), maxErrorDetails)
	}
	if st.batches != 0 {
		t.Error("all-invalid batch must not reach the store")
	}
}

func TestIngestTemplateMode(t *testing.T) {
	st := newFakeEventStore()
	r := &fakeResolver{}
	p := templatePipeline(st, r)
	if p.Mode() != ModeTemplates {
		t.Fatalf("mode = %v, want templates", p.Mode())
	}

	if _, err := p.Ingest(context.Background(), sampleEvents(2)); err != nil {
		t.Fatal(err)
	}
	if r.calls != 1 {
		t.Errorf("resolver called %d times, want 1", r.calls)
	}
	if len(st.statsApplied) != 1 {
		t.Fatalf("stats applied = %v, want one aggregated stat", st.statsApplied)
	}
	for _, row := range st.byFingerprint {
		if row.TemplateID == nil || *row.TemplateID != 7 {
			t.Error("rows must carry the resolved template id")
		}
	}
}

func TestIngestDegradesOnResolverFailure(t *testing.T) {
	st := newFakeEventStore()
	p := templatePipeline(st, &fakeResolver{fail: true})

	res, err := p.Ingest(context.Background(), sampleEvents(2))
	if err != nil {
		t.Fatalf("resolver failure must not fail ingestion: %v", err)
	}
	if res.Ingested != 2 {
		t.Errorf("ingested = %d, want 2", res.Ingested)
	}
	for _, row := range st.byFingerprint {
		if row.TemplateID != nil {
			t.Error("degraded rows must stay unlinked")
		}
	}
	if len(st.statsApplied) != 0 {
		t.Error("degraded ingestion must not apply stats")
	}
}

func TestIngestEmbeddingMode(t *testing.T) {
	st := newFakeEventStore()
	emb := &fakeEmbedder{}
	p := New(st, store.Capabilities{EventDedup: true, EventEmbedding: true}, nil, emb, Config{}, nil)
	if p.Mode() != ModeEmbedding {
		t.Fatalf("mode = %v, want embedding", p.Mode())
	}

	if _, err := p.Ingest(context.Background(), sampleEvents(2)); err != nil {
		t.Fatal(err)
	}
	if emb.calls != 1 {
		t.Errorf("embedder called %d times, want 1", emb.calls)
	}
	for _, row := range st.byFingerprint {
		if row.Embedding == nil {
			t.Error("rows must carry embeddings in embedding mode")
		}
	}
}

func TestIngestStoreFailure(t *testing.T) {
	st := newFakeEventStore()
	st.failNext = true
	p := templatePipeline(st, &fakeResolver{})

	if _, err := p.Ingest(context.Background(), sampleEvents(1)); err == nil {
		t.Error("store failure must surface as an error")
	}
}
