// Package embedding wraps an OpenAI-compatible embedding service. The batch
// endpoint is preferred; when it fails the client falls back to the
// single-text endpoint per input. Every call carries an explicit timeout and
// degrades to nil vectors rather than erroring, so an embedding outage never
// fails ingestion.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"logmesh/internal/logging"
)

const (
	batchPath  = "/v1/embeddings"
	singlePath = "/api/embeddings"

	defaultTimeout = 30 * time.Second
)

// Config for the embedding client.
type Config struct {
	BaseURL string
	Model   string
	// Dimension of the vectors the model produces. Responses with a
	// different dimension are discarded.
	Dimension int
	Timeout   time.Duration
}

// Client calls the embedding service.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New builds a client. A zero timeout falls back to a 30s default.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logging.Default(logger).With("component", "embedding"),
	}
}

type batchRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type batchResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type singleRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type singleResponse struct {
	Embedding []float32 `json:"embedding"`
}

// EmbedBatch returns one vector per input text, in input order. A text that
// could not be embedded gets a nil vector; the returned slice always has
// len(texts) entries. The only returned error is context cancellation.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	if err := c.embedBatch(ctx, texts, out); err == nil {
		return out, nil
	} else if ctx.Err() != nil {
		return out, ctx.Err()
	} else {
		c.logger.Warn("batch embedding failed, falling back to per-text calls", "error", err, "texts", len(texts))
	}

	for i, text := range texts {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		vec, err := c.embedSingle(ctx, text)
		if err != nil {
			c.logger.Warn("embedding failed for text", "error", err)
			continue
		}
		out[i] = vec
	}
	return out, nil
}

func (c *Client) embedBatch(ctx context.Context, texts []string, out [][]float32) error {
	var resp batchResponse
	if err := c.post(ctx, batchPath, batchRequest{Model: c.cfg.Model, Input: texts}, &resp); err != nil {
		return err
	}
	if len(resp.Data) != len(texts) {
		return fmt.Errorf("got %d embeddings for %d texts", len(resp.Data), len(texts))
	}

	// Responses are index-tagged and may arrive out of order.
	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	for i, d := range resp.Data {
		if d.Index != i {
			return fmt.Errorf("response index %d out of range", d.Index)
		}
		if !c.validDimension(d.Embedding) {
			return fmt.Errorf("embedding %d has dimension %d, want %d", i, len(d.Embedding), c.cfg.Dimension)
		}
		out[i] = d.Embedding
	}
	return nil
}

func (c *Client) embedSingle(ctx context.Context, text string) ([]float32, error) {
	var resp singleResponse
	if err := c.post(ctx, singlePath, singleRequest{Model: c.cfg.Model, Prompt: text}, &resp); err != nil {
		return nil, err
	}
	if !c.validDimension(resp.Embedding) {
		return nil, fmt.Errorf("embedding has dimension %d, want %d", len(resp.Embedding), c.cfg.Dimension)
	}
	return resp.Embedding, nil
}

func (c *Client) validDimension(vec []float32) bool {
	if len(vec) == 0 {
		return false
	}
	return c.cfg.Dimension <= 0 || len(vec) == c.cfg.Dimension
}

func (c *Client) post(ctx context.Context, path string, body, into any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("embedding service returned %s", res.Status)
	}
	if err := json.NewDecoder(res.Body).Decode(into); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
