package sandbox

import (
	"context"
	"sort"
	"sync"

	"github.com/cryptocardia/sandbox/internal/pagination"
	"github.com/cryptocardia/sandbox/internal/risk"
)

// MemoryStore is an in-memory run store for demo/development mode.
type MemoryStore struct {
	runs map[string]*Run
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory run store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string]*Run),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[r.ID]; exists {
		return ErrRunExists
	}
	m.runs[r.ID] = copyRun(r)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return copyRun(r), nil
}

func (m *MemoryStore) List(_ context.Context, before *pagination.Cursor, limit int) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		if before.Precedes(r.CreatedAt, r.ID) {
			result = append(result, copyRun(r))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return pagination.Newer(result[i].CreatedAt, result[i].ID, result[j].CreatedAt, result[j].ID)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Summary(_ context.Context) (*Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := &Summary{}
	for _, r := range m.runs {
		s.TotalRuns++
		s.TotalAttempted += r.Ledger.AttemptedValueUSD
		s.TotalPrevented += r.Ledger.PreventedLossUSD
		s.TotalFriction += r.Ledger.FrictionCostUSD
		s.TotalFalsePositive += r.Ledger.FalsePositiveCostUSD
		s.NetSecurityValue += r.Ledger.NetSecurityValueUSD
		switch r.Evaluation.Decision {
		case risk.DecisionDeny:
			s.DenyCount++
		case risk.DecisionStepUp:
			s.StepUpCount++
		default:
			s.AllowCount++
		}
	}
	s.finish()
	return s, nil
}

func copyRun(r *Run) *Run {
	cp := *r
	if r.Evaluation.Reasons != nil {
		cp.Evaluation.Reasons = append([]risk.Reason(nil), r.Evaluation.Reasons...)
	}
	if r.Execution != nil {
		cp.Execution = append([]byte(nil), r.Execution...)
	}
	if r.Integrity != nil {
		check := *r.Integrity
		cp.Integrity = &check
	}
	if r.Intent.Attributes != nil {
		cp.Intent.Attributes = make(map[string]any, len(r.Intent.Attributes))
		for k, v := range r.Intent.Attributes {
			cp.Intent.Attributes[k] = v
		}
	}
	if r.Scenario.Extra != nil {
		cp.Scenario.Extra = make(map[string]bool, len(r.Scenario.Extra))
		for k, v := range r.Scenario.Extra {
			cp.Scenario.Extra[k] = v
		}
	}
	return &cp
}

var _ RunStore = (*MemoryStore)(nil)
