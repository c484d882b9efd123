package template

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"logmesh/internal/canon"
	"logmesh/internal/store"
)

// fakeTemplateStore is an in-memory store.TemplateStore with call counters.
type fakeTemplateStore struct {
	mu      sync.Mutex
	nextID  int64
	byHash  map[string]int64
	inserts int
	lookups int
	// when set, the first insert per hash reports a conflict without
	// committing, simulating a slow concurrent winner
	delayCommit map[string]int
	// when set, the next N lookups omit the hash even if present,
	// simulating a row committed between probe and insert
	hideLookups map[string]int
}

func newFakeTemplateStore() *fakeTemplateStore {
	return &fakeTemplateStore{
		byHash:      map[string]int64{},
		delayCommit: map[string]int{},
		hideLookups: map[string]int{},
	}
}

func (f *fakeTemplateStore) TemplatesByHash(_ context.Context, hashes []string) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	out := map[string]int64{}
	for _, h := range hashes {
		if n := f.hideLookups[h]; n > 0 {
			f.hideLookups[h]--
			continue
		}
		if id, ok := f.byHash[h]; ok {
			out[h] = id
		}
	}
	return out, nil
}

func (f *fakeTemplateStore) InsertTemplate(_ context.Context, t *store.Template) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	if _, ok := f.byHash[t.Hash]; ok {
		return 0, store.ErrConflict
	}
	if n := f.delayCommit[t.Hash]; n > 0 {
		f.delayCommit[t.Hash]--
		// Conflict reported, winning row not yet visible.
		return 0, store.ErrConflict
	}
	f.nextID++
	f.byHash[t.Hash] = f.nextID
	return f.nextID, nil
}

func (f *fakeTemplateStore) ApplyTemplateStats(context.Context, []store.TemplateStat) error {
	return nil
}

func (f *fakeTemplateStore) RecentTemplates(context.Context, int) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int64, len(f.byHash))
	for h, id := range f.byHash {
		out[h] = id
	}
	return out, nil
}

// fakeEmbedder returns fixed-size vectors, or nil for all texts when down.
type fakeEmbedder struct {
	mu    sync.Mutex
	down  bool
	calls int
	texts int
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.texts += len(texts)
	out := make([][]float32, len(texts))
	if f.down {
		return out, nil
	}
	for i := range texts {
		out[i] = []float32{1, 2, 3}
	}
	return out, nil
}

func newTestResolver(ts store.TemplateStore, emb Embedder) *Resolver {
	r := NewResolver(NewCache(100), ts, emb, nil)
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func msgAt(service, level, host, text string, ts time.Time) Message {
	return Message{Timestamp: ts, Service: service, Level: level, Host: host, Message: text}
}

func mustKey(t *testing.T, m Message) (canonical, hash string) {
	t.Helper()
	canonical, hash, err := canon.Key(m.Message, m.Service, m.Level, canon.Active)
	if err != nil {
		t.Fatal(err)
	}
	return canonical, hash
}

func TestResolveRepeatedNovelFingerprint(t *testing.T) {
	ts := newFakeTemplateStore()
	emb := &fakeEmbedder{}
	r := newTestResolver(ts, emb)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	const k = 5
	msgs := make([]Message, k)
	for i := range msgs {
		msgs[i] = msgAt("nginx", "INFO", "web-01", "request from 10.0.0.1 took 12ms", base.Add(time.Duration(i)*time.Second))
	}

	ids, stats, err := r.Resolve(context.Background(), msgs)
	if err != nil {
		t.Fatal(err)
	}

	if ts.inserts != 1 {
		t.Errorf("inserts = %d, want 1 (in-batch dedup)", ts.inserts)
	}
	if emb.texts != 1 {
		t.Errorf("embedded %d texts, want 1", emb.texts)
	}
	for i, id := range ids {
		if id == nil {
			t.Fatalf("ids[%d] is nil", i)
		}
		if *id != *ids[0] {
			t.Errorf("ids[%d] = %d, want %d", i, *id, *ids[0])
		}
	}
	if len(stats) != 1 {
		t.Fatalf("got %d stats, want 1", len(stats))
	}
	st := stats[0]
	if st.Count != k {
		t.Errorf("stat count = %d, want %d (one increment of magnitude K)", st.Count, k)
	}
	if st.TemplateID != *ids[0] {
		t.Errorf("stat template id = %d, want %d", st.TemplateID, *ids[0])
	}
	if !st.LastSeen.Equal(base.Add((k - 1) * time.Second)) {
		t.Errorf("stat last seen = %v, want batch max", st.LastSeen)
	}
	if len(st.Hosts) != 1 || st.Hosts[0] != "web-01" {
		t.Errorf("stat hosts = %v", st.Hosts)
	}
}

func TestResolveCacheThenStoreThenCreate(t *testing.T) {
	ts := newFakeTemplateStore()
	r := newTestResolver(ts, &fakeEmbedder{})
	now := time.Now().UTC()

	// First resolution creates the template.
	if _, _, err := r.Resolve(context.Background(), []Message{msgAt("app", "INFO", "h1", "user logged in", now)}); err != nil {
		t.Fatal(err)
	}
	inserts, lookups := ts.inserts, ts.lookups

	// Second resolution must hit the cache: no lookup, no insert.
	if _, _, err := r.Resolve(context.Background(), []Message{msgAt("app", "INFO", "h1", "user logged in", now)}); err != nil {
		t.Fatal(err)
	}
	if ts.inserts != inserts || ts.lookups != lookups {
		t.Errorf("cache hit went to the store: inserts %d->%d lookups %d->%d", inserts, ts.inserts, lookups, ts.lookups)
	}

	// A fresh resolver with a cold cache must find it via store probe and
	// warm its cache back.
	r2 := newTestResolver(ts, &fakeEmbedder{})
	if _, _, err := r2.Resolve(context.Background(), []Message{msgAt("app", "INFO", "h1", "user logged in", now)}); err != nil {
		t.Fatal(err)
	}
	if ts.inserts != inserts {
		t.Errorf("store probe hit must not insert, inserts %d->%d", inserts, ts.inserts)
	}
	lookups = ts.lookups
	if _, _, err := r2.Resolve(context.Background(), []Message{msgAt("app", "INFO", "h1", "user logged in", now)}); err != nil {
		t.Fatal(err)
	}
	if ts.lookups != lookups {
		t.Error("store hit was not warmed back into the cache")
	}
}

func TestResolveDegradesWithoutEmbeddings(t *testing.T) {
	ts := newFakeTemplateStore()
	emb := &fakeEmbedder{down: true}
	r := newTestResolver(ts, emb)
	now := time.Now().UTC()

	ids, stats, err := r.Resolve(context.Background(), []Message{
		msgAt("app", "ERROR", "h1", "novel failure mode", now),
	})
	if err != nil {
		t.Fatal(err)
	}
	if ids[0] != nil {
		t.Error("unembeddable novelty must resolve to nil, not fail")
	}
	if len(stats) != 0 {
		t.Errorf("unresolved messages must not produce stats, got %v", stats)
	}
	if ts.inserts != 0 {
		t.Errorf("inserts = %d, want 0", ts.inserts)
	}

	// Known templates still resolve while the embedder is down.
	emb.down = false
	if _, _, err := r.Resolve(context.Background(), []Message{msgAt("app", "ERROR", "h1", "novel failure mode", now)}); err != nil {
		t.Fatal(err)
	}
	emb.down = true
	ids, _, err = r.Resolve(context.Background(), []Message{msgAt("app", "ERROR", "h1", "novel failure mode", now)})
	if err != nil {
		t.Fatal(err)
	}
	if ids[0] == nil {
		t.Error("known template must resolve from cache during embedding outage")
	}
}

func TestResolveConflictReRead(t *testing.T) {
	ts := newFakeTemplateStore()
	r := newTestResolver(ts, &fakeEmbedder{})
	now := time.Now().UTC()
	msg := msgAt("app", "INFO", "h1", "raced template", now)

	// Another process commits the row between our store probe and our
	// insert: the probe misses, the insert conflicts, the re-read wins.
	_, hash := mustKey(t, msg)
	ts.byHash[hash] = 42
	ts.nextID = 42
	ts.hideLookups[hash] = 1

	ids, _, err := r.Resolve(context.Background(), []Message{msg})
	if err != nil {
		t.Fatal(err)
	}
	if ids[0] == nil || *ids[0] != 42 {
		t.Errorf("expected re-read id 42, got %v", ids[0])
	}
}

func TestResolveConflictCommitLag(t *testing.T) {
	ts := newFakeTemplateStore()
	r := newTestResolver(ts, &fakeEmbedder{})
	now := time.Now().UTC()
	msg := msgAt("app", "INFO", "h1", "slow winner", now)
	_, hash := mustKey(t, msg)

	// First insert attempt conflicts while the winner is not yet
	// visible; the retry then succeeds.
	ts.delayCommit[hash] = 1

	ids, _, err := r.Resolve(context.Background(), []Message{msg})
	if err != nil {
		t.Fatal(err)
	}
	if ids[0] == nil {
		t.Fatal("expected resolution after conflict retry")
	}
}

func TestResolveConcurrentCreatorsConverge(t *testing.T) {
	ts := newFakeTemplateStore()
	now := time.Now().UTC()
	msg := msgAt("app", "INFO", "h1", "brand new fingerprint", now)

	const workers = 8
	results := make([]int64, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := newTestResolver(ts, &fakeEmbedder{})
			ids, _, err := r.Resolve(context.Background(), []Message{msg})
			if err != nil {
				t.Error(err)
				return
			}
			if ids[0] != nil {
				results[w] = *ids[0]
			}
		}()
	}
	wg.Wait()

	if len(ts.byHash) != 1 {
		t.Fatalf("%d template rows exist, want 1", len(ts.byHash))
	}
	for w, id := range results {
		if id != results[0] {
			t.Errorf("worker %d got id %d, others got %d", w, id, results[0])
		}
	}
}

func TestResolveMixedHostsAggregated(t *testing.T) {
	ts := newFakeTemplateStore()
	r := newTestResolver(ts, &fakeEmbedder{})
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	_, stats, err := r.Resolve(context.Background(), []Message{
		msgAt("app", "INFO", "h2", "shared line", base),
		msgAt("app", "INFO", "h1", "shared line", base.Add(time.Second)),
		msgAt("app", "INFO", "h2", "shared line", base.Add(2*time.Second)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 1 {
		t.Fatalf("got %d stats, want 1", len(stats))
	}
	if got := stats[0].Hosts; len(got) != 2 || got[0] != "h1" || got[1] != "h2" {
		t.Errorf("hosts = %v, want [h1 h2]", got)
	}
}

func TestResolveEmptyBatch(t *testing.T) {
	r := newTestResolver(newFakeTemplateStore(), &fakeEmbedder{})
	ids, stats, err := r.Resolve(context.Background(), nil)
	if err != nil || ids != nil || stats != nil {
		t.Errorf("empty batch: ids=%v stats=%v err=%v", ids, stats, err)
	}
}

func TestWarm(t *testing.T) {
	ts := newFakeTemplateStore()
	ts.byHash["abc"] = 7
	r := newTestResolver(ts, &fakeEmbedder{})
	if err := r.Warm(context.Background(), 100); err != nil {
		t.Fatal(err)
	}
	if id, ok := r.cache.Get("abc"); !ok || id != 7 {
		t.Errorf("cache.Get(abc) = (%d, %v), want (7, true)", id, ok)
	}
}

func TestResolveStoreError(t *testing.T) {
	r := newTestResolver(failingTemplateStore{}, &fakeEmbedder{})
	_, _, err := r.Resolve(context.Background(), []Message{
		msgAt("app", "INFO", "h1", "anything", time.Now()),
	})
	if err == nil {
		t.Error("store failure must surface as an error")
	}
}

type failingTemplateStore struct{}

var errStoreDown = errors.New("store down")

func (failingTemplateStore) TemplatesByHash(context.Context, []string) (map[string]int64, error) {
	return nil, errStoreDown
}
func (failingTemplateStore) InsertTemplate(context.Context, *store.Template) (int64, error) {
	return 0, errStoreDown
}
func (failingTemplateStore) ApplyTemplateStats(context.Context, []store.TemplateStat) error {
	return errStoreDown
}
func (failingTemplateStore) RecentTemplates(context.Context, int) (map[string]int64, error) {
	return nil, errStoreDown
}
