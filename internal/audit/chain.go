package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/cryptocardia/sandbox/internal/canonical"
	"github.com/cryptocardia/sandbox/internal/idgen"
	"github.com/cryptocardia/sandbox/internal/syncutil"
)

// Chain appends and verifies hash-chained events on top of a Store.
type Chain struct {
	store Store
	locks *syncutil.KeyedLock
	now   func() time.Time
}

// NewChain creates a chain over store.
func NewChain(store Store) *Chain {
	return &Chain{
		store: store,
		locks: syncutil.NewKeyedLock(syncutil.DefaultShards),
		now:   time.Now,
	}
}

// WithClock overrides the timestamp source (for tests).
func (c *Chain) WithClock(now func() time.Time) *Chain {
	c.now = now
	return c
}

// Append links a new event for runID onto the run's chain.
//
// Reading the tail, hashing and persisting happen under a per-run lock, so
// concurrent appends to the same run in this process are serialized. The
// store's uniqueness on (run, seq) catches writers in other processes.
func (c *Chain) Append(ctx context.Context, runID, eventType, message string, payload any) (*Event, error) {
	if runID == "" {
		return nil, ErrRunIDRequired
	}

	data, err := canonical.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit payload: %w", err)
	}

	unlock, err := c.locks.Lock(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	prev, err := c.store.Latest(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain tail: %w", err)
	}

	prevHash := ""
	seq := int64(1)
	if prev != nil {
		prevHash = prev.EventHash
		seq = prev.Seq + 1
	}

	e := &Event{
		ID:        idgen.New(),
		RunID:     runID,
		Seq:       seq,
		EventType: eventType,
		Message:   message,
		Data:      data,
		PrevHash:  prevHash,
		EventHash: ComputeEventHash(data, prevHash),
		CreatedAt: c.now().UTC(),
	}
	if err := c.store.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to append audit event: %w", err)
	}
	return copyEvent(e), nil
}

// Events returns the run's events in order.
func (c *Chain) Events(ctx context.Context, runID string) ([]*Event, error) {
	return c.store.ListByRun(ctx, runID)
}

// Verify re-derives every hash of the run's chain. It returns nil for an
// intact chain (including an empty one) and an error wrapping
// ErrChainCorrupted naming the first broken event otherwise.
func (c *Chain) Verify(ctx context.Context, runID string) error {
	events, err := c.store.ListByRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load audit events: %w", err)
	}
	return VerifyEvents(events)
}

// Inspect loads the run's chain and returns the per-event report.
func (c *Chain) Inspect(ctx context.Context, runID string) (*Report, error) {
	events, err := c.store.ListByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit events: %w", err)
	}
	report := Replay(events)
	report.RunID = runID
	return report, nil
}
