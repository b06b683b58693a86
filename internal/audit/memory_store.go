package audit

import (
	"context"
	"sync"
)

// MemoryStore keeps events in memory for demo/testing.
type MemoryStore struct {
	mu     sync.RWMutex
	byRun  map[string][]*Event
	events int
}

// NewMemoryStore creates an in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byRun: make(map[string][]*Event)}
}

func (m *MemoryStore) Append(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain := m.byRun[e.RunID]
	for _, existing := range chain {
		if existing.Seq == e.Seq {
			return ErrAppendConflict
		}
	}
	m.byRun[e.RunID] = append(chain, copyEvent(e))
	m.events++
	return nil
}

func (m *MemoryStore) Latest(_ context.Context, runID string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.byRun[runID]
	if len(chain) == 0 {
		return nil, nil
	}
	latest := chain[0]
	for _, e := range chain[1:] {
		if e.Seq > latest.Seq {
			latest = e
		}
	}
	return copyEvent(latest), nil
}

func (m *MemoryStore) ListByRun(_ context.Context, runID string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.byRun[runID]
	result := make([]*Event, len(chain))
	for i, e := range chain {
		result[i] = copyEvent(e)
	}
	return result, nil
}

// Count returns the total number of stored events.
func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.events
}

var _ Store = (*MemoryStore)(nil)
