package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"logmesh/internal/event"
	"logmesh/internal/ingest"
	"logmesh/internal/store"
)

// apiError is the JSON shape of an error response.
type apiError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, apiError{ErrorCode: code, Message: msg})
}

// ingestRequest is the ingest wire format.
type ingestRequest struct {
	Logs []event.Event `json:"logs"`
}

// handleIngest handles POST /ingest/logs.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r.Body, r.Header.Get("Content-Encoding"), s.cfg.MaxBodyBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_body", err.Error())
		return
	}

	var req ingestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "request body is not valid JSON")
		return
	}

	res, err := s.pipeline.Ingest(r.Context(), req.Logs)
	switch {
	case errors.Is(err, ingest.ErrEmptyBatch):
		writeError(w, http.StatusBadRequest, "empty_batch", "logs array is empty")
		return
	case errors.Is(err, ingest.ErrBatchTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "batch_too_large", err.Error())
		return
	case err != nil:
		s.logger.Error("ingestion failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "ingestion failed")
		return
	}

	writeJSON(w, http.StatusCreated, res)
}

// queryResponse is the query wire format.
type queryResponse struct {
	Logs  []queryEvent `json:"logs"`
	Count int          `json:"count"`
}

type queryEvent struct {
	ID int64 `json:"id"`
	event.Event
	TemplateID *int64 `json:"template_id,omitempty"`
}

// handleQuery handles GET /query/logs.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := store.EventQuery{
		Service: params.Get("service"),
		Host:    params.Get("host"),
		Level:   params.Get("level"),
	}

	var err error
	if q.Start, err = parseTime(params.Get("start_time")); err != nil {
		writeError(w, http.StatusBadRequest, "bad_time", "start_time is not a valid RFC 3339 timestamp")
		return
	}
	if q.End, err = parseTime(params.Get("end_time")); err != nil {
		writeError(w, http.StatusBadRequest, "bad_time", "end_time is not a valid RFC 3339 timestamp")
		return
	}
	if q.Limit, err = parseInt(params.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "bad_limit", "limit is not an integer")
		return
	}
	if q.Offset, err = parseInt(params.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "bad_offset", "offset is not an integer")
		return
	}

	events, err := s.store.QueryEvents(r.Context(), q)
	if err != nil {
		s.logger.Error("query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "query failed")
		return
	}

	out := make([]queryEvent, len(events))
	for i, ev := range events {
		out[i] = queryEvent{ID: ev.ID, Event: ev.Event, TemplateID: ev.TemplateID}
	}
	writeJSON(w, http.StatusOK, queryResponse{Logs: out, Count: len(out)})
}

// handleHealth handles GET /health. Degraded means the store is unreachable;
// the process is still serving.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := "ok"
	if err := s.store.Ping(ctx); err != nil {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// handleInfo handles GET /info.
func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    s.cfg.Name,
		"version": s.cfg.Version,
		"node":    s.cfg.Node,
		"mode":    s.pipeline.Mode().String(),
	})
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func parseInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
