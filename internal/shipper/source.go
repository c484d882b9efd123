// Package shipper tails a live log source and forwards events to the
// ingestion endpoint, surviving restarts via a durable cursor and endpoint
// outages via a dead-letter spool.
package shipper

import (
	"context"

	"logmesh/internal/event"
)

// Entry is one sourced log occurrence plus the opaque cursor position it was
// read at. Sources without positions leave Cursor empty.
type Entry struct {
	Event  event.Event
	Cursor string
}

// Source streams entries into out until ctx is cancelled. Implementations
// return nil on a clean cancellation and must never close out.
type Source interface {
	Run(ctx context.Context, out chan<- Entry) error
}
