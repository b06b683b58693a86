// Package audit keeps a tamper-evident, hash-chained event log per run.
//
// Each event's hash covers its canonical payload and the hash of the event
// before it, so altering, removing or reordering any event breaks every
// link after it. The log is append-only: neither the Store interface nor
// the SQL schema offers update or delete.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cryptocardia/sandbox/internal/canonical"
)

// Errors
var (
	ErrChainCorrupted = errors.New("audit: chain corrupted")
	ErrAppendConflict = errors.New("audit: concurrent append for run")
	ErrRunIDRequired  = errors.New("audit: run id is required")
)

// Event is one immutable link in a run's chain.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"runId"`
	Seq       int64           `json:"seq"`
	EventType string          `json:"eventType"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	PrevHash  string          `json:"prevHash"`
	EventHash string          `json:"eventHash"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Store persists events. Implementations must never modify or remove an
// event once appended.
type Store interface {
	// Append persists e. It returns ErrAppendConflict if an event with the
	// same run and sequence already exists.
	Append(ctx context.Context, e *Event) error
	// Latest returns the highest-sequence event for the run, or nil when
	// the run has no events.
	Latest(ctx context.Context, runID string) (*Event, error)
	// ListByRun returns the run's events in sequence order.
	ListByRun(ctx context.Context, runID string) ([]*Event, error)
}

// ComputeEventHash returns sha256hex(data || prevHash), where data is the
// canonical encoding of the event payload.
func ComputeEventHash(data []byte, prevHash string) string {
	buf := make([]byte, 0, len(data)+len(prevHash))
	buf = append(buf, data...)
	buf = append(buf, prevHash...)
	return canonical.HashBytes(buf)
}

func copyEvent(e *Event) *Event {
	cp := *e
	if e.Data != nil {
		cp.Data = append(json.RawMessage(nil), e.Data...)
	}
	return &cp
}
