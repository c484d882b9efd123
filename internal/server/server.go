// Package server exposes the ingestion and query HTTP API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"logmesh/internal/ingest"
	"logmesh/internal/logging"
	"logmesh/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Addr is the address to listen on (e.g., ":8088").
	Addr string

	// APIKey guards non-public endpoints when AuthEnabled is set.
	APIKey      string
	AuthEnabled bool

	// MaxBodyBytes bounds decompressed request bodies.
	MaxBodyBytes int64

	// RateLimit and RateBurst throttle the ingest endpoint per client IP.
	// A zero RateLimit disables throttling.
	RateLimit float64
	RateBurst int

	// Name, Version, and Node are reported by the info endpoint.
	Name    string
	Version string
	Node    string
}

const defaultMaxBodyBytes = 10 << 20 // 10 MB

// Server serves the ingestion and query API.
type Server struct {
	cfg      Config
	pipeline *ingest.Pipeline
	store    store.Store
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger
}

// New creates a server around the pipeline and store.
func New(cfg Config, pipeline *ingest.Pipeline, st store.Store, logger *slog.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Server{
		cfg:      cfg,
		pipeline: pipeline,
		store:    st,
		logger:   logging.Default(logger).With("component", "server"),
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ingest/logs", s.handleIngest)
	mux.HandleFunc("GET /query/logs", s.handleQuery)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /info", s.handleInfo)

	var handler http.Handler = mux
	if s.cfg.RateLimit > 0 {
		rl := newRateLimiter(s.cfg.RateLimit, s.cfg.RateBurst)
		go rl.runCleanup(ctx, 5*time.Minute, 15*time.Minute)
		handler = rateLimitMiddleware(rl)(handler)
	}
	handler = apiKeyMiddleware(s.cfg.APIKey, s.cfg.AuthEnabled)(handler)

	s.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var err error
	s.listener, err = net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	s.logger.Info("http server starting", "addr", s.listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr returns the listener address. Only valid after Run() has started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
