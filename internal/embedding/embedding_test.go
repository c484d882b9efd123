package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Model: "test-model", Dimension: 3}, nil)
}

func TestEmbedBatchReordersByIndex(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req batchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Model != "test-model" || len(req.Input) != 2 {
			t.Errorf("unexpected request: %+v", req)
		}
		// Deliberately out of order.
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float32{4, 5, 6}},
				{"index": 0, "embedding": []float32{1, 2, 3}},
			},
		})
	}))

	vecs, err := client.EmbedBatch(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vecs))
	}
	if vecs[0][0] != 1 || vecs[1][0] != 4 {
		t.Errorf("vectors not reordered to request order: %v", vecs)
	}
}

func TestEmbedBatchFallsBackPerText(t *testing.T) {
	var singleCalls int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/embeddings":
			http.Error(w, "not supported", http.StatusNotFound)
		case "/api/embeddings":
			singleCalls++
			var req singleRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatal(err)
			}
			if req.Prompt == "bad" {
				http.Error(w, "boom", http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(singleResponse{Embedding: []float32{1, 2, 3}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	vecs, err := client.EmbedBatch(context.Background(), []string{"ok", "bad", "ok"})
	if err != nil {
		t.Fatal(err)
	}
	if singleCalls != 3 {
		t.Errorf("single endpoint called %d times, want 3", singleCalls)
	}
	if vecs[0] == nil || vecs[2] == nil {
		t.Error("embeddable texts must get vectors")
	}
	if vecs[1] != nil {
		t.Error("failed text must degrade to a nil vector")
	}
}

func TestEmbedBatchRejectsWrongDimension(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/embeddings":
			json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{{"index": 0, "embedding": []float32{1, 2}}},
			})
		case "/api/embeddings":
			json.NewEncoder(w).Encode(singleResponse{Embedding: []float32{1, 2}})
		}
	}))

	vecs, err := client.EmbedBatch(context.Background(), []string{"text"})
	if err != nil {
		t.Fatal(err)
	}
	if vecs[0] != nil {
		t.Error("wrong-dimension embedding must be discarded")
	}
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	client := New(Config{BaseURL: "http://unreachable.invalid"}, nil)
	vecs, err := client.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 0 {
		t.Errorf("got %d vectors, want 0", len(vecs))
	}
}

func TestEmbedBatchContextCancelled(t *testing.T) {
	client := New(Config{BaseURL: "http://unreachable.invalid", Dimension: 3}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.EmbedBatch(ctx, []string{"text"}); err == nil {
		t.Error("expected context error")
	}
}
