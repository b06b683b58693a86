// Package sandbox runs governed evaluations end to end.
//
// One run takes an intent, a scenario and an optional execution record,
// checks execution integrity, scores the intent, prices the decision and
// records it: the run row and its first audit event are written in a single
// unit of work.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cryptocardia/sandbox/internal/integrity"
	"github.com/cryptocardia/sandbox/internal/ledger"
	"github.com/cryptocardia/sandbox/internal/pagination"
	"github.com/cryptocardia/sandbox/internal/policy"
	"github.com/cryptocardia/sandbox/internal/risk"
)

var (
	ErrRunNotFound    = errors.New("sandbox: run not found")
	ErrRunExists      = errors.New("sandbox: run already exists")
	ErrRunPersistence = errors.New("sandbox: run persistence failed")
)

// ValidationError reports a request rejected before it reaches the core.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// RunPersistenceError wraps any failure writing the run record or its
// audit event. Nothing from a failed run is reported as a result.
type RunPersistenceError struct {
	Op  string
	Err error
}

func (e *RunPersistenceError) Error() string {
	return fmt.Sprintf("sandbox: %s: %v", e.Op, e.Err)
}

func (e *RunPersistenceError) Unwrap() error { return e.Err }

func (e *RunPersistenceError) Is(target error) bool { return target == ErrRunPersistence }

// EventRunEvaluated is the audit event type written for every run.
const EventRunEvaluated = "run.evaluated"

// Request is one submission to the sandbox.
type Request struct {
	Intent    risk.Intent   `json:"intent"`
	Scenario  risk.Scenario `json:"scenario"`
	Execution any           `json:"execution,omitempty"`
}

// Baseline is the fixed no-governance comparison point.
type Baseline struct {
	Decision risk.Decision `json:"decision"`
	Risk     risk.Level    `json:"risk"`
}

// UngovernedBaseline is what would happen without the governance layer.
var UngovernedBaseline = Baseline{Decision: risk.DecisionAllow, Risk: risk.LevelLow}

// AuditRef points at the audit event recorded for a run.
type AuditRef struct {
	EventID   string `json:"eventId"`
	EventHash string `json:"eventHash"`
	PrevHash  string `json:"prevHash"`
}

// Result is the response for one evaluated run.
type Result struct {
	RunID     string            `json:"runId"`
	Baseline  Baseline          `json:"baseline"`
	Governed  risk.Evaluation   `json:"governed"`
	Execution *integrity.Result `json:"execution,omitempty"`
	Economics ledger.Entry      `json:"economics"`
	Policy    policy.Ref        `json:"policy"`
	Audit     AuditRef          `json:"audit"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Run is the persisted record of one evaluation.
type Run struct {
	ID         string            `json:"id"`
	Intent     risk.Intent       `json:"intent"`
	Scenario   risk.Scenario     `json:"scenario"`
	Execution  json.RawMessage   `json:"execution,omitempty"`
	Evaluation risk.Evaluation   `json:"evaluation"`
	Ledger     ledger.Entry      `json:"ledger"`
	Integrity  *integrity.Result `json:"integrity,omitempty"`
	Policy     policy.Ref        `json:"policy"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Summary aggregates every recorded run.
type Summary struct {
	TotalRuns          int64   `json:"totalRuns"`
	TotalAttempted     float64 `json:"totalAttempted"`
	TotalPrevented     float64 `json:"totalPrevented"`
	TotalFriction      float64 `json:"totalFriction"`
	TotalFalsePositive float64 `json:"totalFalsePositive"`
	NetSecurityValue   float64 `json:"netSecurityValue"`
	DenyCount          int64   `json:"denyCount"`
	StepUpCount        int64   `json:"stepUpCount"`
	AllowCount         int64   `json:"allowCount"`
	BlockRate          float64 `json:"blockRate"`
}

// finish derives the block rate from the counts.
func (s *Summary) finish() {
	s.BlockRate = 0
	if s.TotalRuns > 0 {
		s.BlockRate = float64(s.DenyCount) / float64(s.TotalRuns)
	}
}

// RunStore persists runs. Runs are write-once.
type RunStore interface {
	Create(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	// List returns runs newest first, ordered by (created_at, id) and
	// starting strictly after before when it is non-nil.
	List(ctx context.Context, before *pagination.Cursor, limit int) ([]*Run, error)
	Summary(ctx context.Context) (*Summary, error)
}

// Publisher receives every successfully recorded result.
type Publisher interface {
	PublishDecision(result *Result)
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)
