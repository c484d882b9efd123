package shipper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"

	"logmesh/internal/event"
)

const clientTimeout = 10 * time.Second

// Client ships event batches to the ingestion endpoint. Bodies are
// gzip-compressed; any non-2xx answer is an error so the daemon's
// retry-then-spool path treats it as undelivered.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds an ingest API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: clientTimeout},
	}
}

// Ship delivers one batch.
func (c *Client) Ship(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	payload, err := json.Marshal(map[string][]event.Event{"logs": events})
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return fmt.Errorf("compress batch: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("compress batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ingest/logs", &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("ingest endpoint returned %s: %s", res.Status, bytes.TrimSpace(body))
	}
	return nil
}

// Health checks endpoint reachability before streaming starts.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned %s", res.Status)
	}
	return nil
}
