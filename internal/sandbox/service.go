package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cryptocardia/sandbox/internal/audit"
	"github.com/cryptocardia/sandbox/internal/canonical"
	"github.com/cryptocardia/sandbox/internal/idgen"
	"github.com/cryptocardia/sandbox/internal/integrity"
	"github.com/cryptocardia/sandbox/internal/ledger"
	"github.com/cryptocardia/sandbox/internal/logging"
	"github.com/cryptocardia/sandbox/internal/metrics"
	"github.com/cryptocardia/sandbox/internal/pagination"
	"github.com/cryptocardia/sandbox/internal/policy"
	"github.com/cryptocardia/sandbox/internal/risk"
	"github.com/cryptocardia/sandbox/internal/sqlstore"
	"github.com/cryptocardia/sandbox/internal/traces"
)

// Service orchestrates governed runs.
type Service struct {
	policy    *policy.Policy
	engine    *risk.Engine
	runs      RunStore
	chain     *audit.Chain
	runner    sqlstore.Runner
	publisher Publisher
	now       func() time.Time
}

// NewService creates a sandbox service. A nil policy means the default
// ruleset; a nil runner means writes are issued without a transaction.
func NewService(p *policy.Policy, runs RunStore, chain *audit.Chain, runner sqlstore.Runner) *Service {
	if p == nil {
		p = policy.Default()
	}
	if runner == nil {
		runner = sqlstore.Direct{}
	}
	return &Service{
		policy: p,
		engine: risk.NewEngine(p),
		runs:   runs,
		chain:  chain,
		runner: runner,
		now:    time.Now,
	}
}

// WithPublisher adds a sink notified after each recorded run.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// WithClock overrides the run timestamp source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Policy returns the ruleset runs are decided under.
func (s *Service) Policy() *policy.Policy {
	return s.policy
}

// auditPayload is the data hashed into a run's audit event.
type auditPayload struct {
	Decision         risk.Decision `json:"decision"`
	Risk             risk.Level    `json:"risk"`
	Reasons          []risk.Reason `json:"reasons"`
	IntegrityFailure bool          `json:"integrityFailure"`
	Score            int           `json:"score"`
	ExpectedExecHash *string       `json:"expectedExecHash"`
	ActualExecHash   *string       `json:"actualExecHash"`
	PolicyID         string        `json:"policyId"`
	PolicyVersion    string        `json:"policyVersion"`
	PolicyHash       string        `json:"policyHash"`
}

// Evaluate runs one request through integrity check, scoring and pricing,
// then records the run and its audit event atomically.
//
// Validation and encoding problems are returned before anything is
// written. Any write failure comes back as a *RunPersistenceError.
func (s *Service) Evaluate(ctx context.Context, req *Request) (_ *Result, retErr error) {
	if req == nil {
		return nil, &ValidationError{Field: "body", Message: "is required"}
	}
	if err := validateAmount(req.Intent.AmountUSD); err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "sandbox.Evaluate",
		traces.AmountUSD(req.Intent.AmountUSD),
		traces.PolicyHash(s.policy.Hash()),
	)
	defer func() {
		if retErr != nil {
			traces.Fail(span, retErr, "evaluation failed")
		}
		span.End()
	}()

	check, execution, err := s.checkExecution(ctx, req)
	if err != nil {
		return nil, err
	}
	tampered := check != nil && check.Tampered

	var eval *risk.Evaluation
	if tampered {
		eval = risk.ForcedDeny(risk.LevelCritical, risk.ReasonExecHashMismatch)
	} else {
		eval = s.engine.Evaluate(req.Intent, req.Scenario)
	}

	isAttack := tampered || req.Scenario.AnyTrue()
	entry := ledger.Compute(s.policy, eval.Decision, isAttack, req.Intent.AmountUSD)

	run := &Run{
		ID:         idgen.New(),
		Intent:     req.Intent,
		Scenario:   req.Scenario,
		Execution:  execution,
		Evaluation: *eval,
		Ledger:     entry,
		Integrity:  check,
		Policy:     s.policy.Ref(),
		CreatedAt:  s.now().UTC(),
	}
	ctx = logging.WithRunID(ctx, run.ID)
	span.SetAttributes(
		traces.RunID(run.ID),
		traces.Decision(string(eval.Decision)),
		traces.RiskLevel(string(eval.Risk)),
		traces.Tampered(tampered),
	)

	event, err := s.record(ctx, run)
	if err != nil {
		metrics.RunPersistenceFailuresTotal.Inc()
		logging.L(ctx).Warn("run persistence failed", "error", err)
		return nil, err
	}

	result := &Result{
		RunID:     run.ID,
		Baseline:  UngovernedBaseline,
		Governed:  run.Evaluation,
		Execution: check,
		Economics: entry,
		Policy:    run.Policy,
		Audit: AuditRef{
			EventID:   event.ID,
			EventHash: event.EventHash,
			PrevHash:  event.PrevHash,
		},
		CreatedAt: run.CreatedAt,
	}

	metrics.RecordDecision(string(eval.Decision), string(eval.Risk), eval.IntegrityFailure, tampered, entry.PreventedLossUSD)
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	logging.L(ctx).Info("run evaluated",
		"decision", eval.Decision,
		"risk", eval.Risk,
		"score", eval.Score,
		"integrity_failure", eval.IntegrityFailure,
		"policy_hash", run.Policy.Hash,
	)

	if s.publisher != nil {
		s.publisher.PublishDecision(result)
	}
	return result, nil
}

// checkExecution verifies the execution record, if any, against what the
// executor produced. With contract_param_tamper set the executor is
// simulated as compromised.
func (s *Service) checkExecution(ctx context.Context, req *Request) (*integrity.Result, json.RawMessage, error) {
	if req.Execution == nil {
		return nil, nil, nil
	}
	_, span := traces.StartSpan(ctx, "sandbox.checkExecution")
	defer span.End()

	intended, err := canonical.Encode(req.Execution)
	if err != nil {
		traces.Fail(span, err, "execution record not encodable")
		return nil, nil, err
	}

	observed := req.Execution
	if req.Scenario.ContractParamTamper {
		if observed, err = integrity.SimulateTamper(req.Execution); err != nil {
			traces.Fail(span, err, "tamper simulation failed")
			return nil, nil, err
		}
	}

	check, err := integrity.Verify(req.Execution, observed)
	if err != nil {
		traces.Fail(span, err, "integrity check failed")
		return nil, nil, err
	}
	span.SetAttributes(traces.Tampered(check.Tampered))
	return check, intended, nil
}

// record writes the run and its first audit event as one unit of work.
func (s *Service) record(ctx context.Context, run *Run) (*audit.Event, error) {
	ctx, span := traces.StartSpan(ctx, "sandbox.record", traces.RunID(run.ID))
	defer span.End()

	payload := auditPayload{
		Decision:         run.Evaluation.Decision,
		Risk:             run.Evaluation.Risk,
		Reasons:          run.Evaluation.Reasons,
		IntegrityFailure: run.Evaluation.IntegrityFailure,
		Score:            run.Evaluation.Score,
		PolicyID:         run.Policy.ID,
		PolicyVersion:    run.Policy.Version,
		PolicyHash:       run.Policy.Hash,
	}
	if payload.Reasons == nil {
		payload.Reasons = []risk.Reason{}
	}
	if run.Integrity != nil {
		payload.ExpectedExecHash = &run.Integrity.ExpectedHash
		payload.ActualExecHash = &run.Integrity.ActualHash
	}
	message := fmt.Sprintf("%s at %s risk (score %d)", run.Evaluation.Decision, run.Evaluation.Risk, run.Evaluation.Score)

	var event *audit.Event
	err := s.runner.Atomic(ctx, func(ctx context.Context) error {
		if err := s.runs.Create(ctx, run); err != nil {
			return &RunPersistenceError{Op: "create run", Err: err}
		}
		e, err := s.chain.Append(ctx, run.ID, EventRunEvaluated, message, payload)
		if err != nil {
			return &RunPersistenceError{Op: "append audit event", Err: err}
		}
		event = e
		return nil
	})
	if err != nil {
		var perr *RunPersistenceError
		if !errors.As(err, &perr) {
			err = &RunPersistenceError{Op: "commit run", Err: err}
		}
		traces.Fail(span, err, "persist failed")
		return nil, err
	}
	return event, nil
}

// Get returns a recorded run.
func (s *Service) Get(ctx context.Context, id string) (*Run, error) {
	return s.runs.Get(ctx, id)
}

// List returns the most recent runs, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return s.runs.List(ctx, nil, limit)
}

// Page is one slice of the newest-first run listing.
type Page struct {
	Runs       []*Run `json:"runs"`
	Count      int    `json:"count"`
	NextCursor string `json:"nextCursor,omitempty"`
	HasMore    bool   `json:"hasMore"`
}

// ListPage returns up to limit runs older than cursor. An empty cursor
// starts from the newest run.
func (s *Service) ListPage(ctx context.Context, cursor string, limit int) (*Page, error) {
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, &ValidationError{Field: "cursor", Message: "is not a cursor returned by this endpoint"}
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	runs, err := s.runs.List(ctx, before, limit+1)
	if err != nil {
		return nil, err
	}
	runs, next, more := pagination.ComputePage(runs, limit, func(r *Run) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	if runs == nil {
		runs = []*Run{}
	}
	return &Page{Runs: runs, Count: len(runs), NextCursor: next, HasMore: more}, nil
}

// Summary returns the aggregate over all runs.
func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	return s.runs.Summary(ctx)
}

// AuditTrail returns the run's audit events in order.
func (s *Service) AuditTrail(ctx context.Context, runID string) ([]*audit.Event, error) {
	if _, err := s.runs.Get(ctx, runID); err != nil {
		return nil, err
	}
	return s.chain.Events(ctx, runID)
}

// VerifyAudit replays the run's chain and reports every link.
func (s *Service) VerifyAudit(ctx context.Context, runID string) (*audit.Report, error) {
	ctx, span := traces.StartSpan(ctx, "sandbox.VerifyAudit", traces.RunID(runID))
	defer span.End()

	if _, err := s.runs.Get(ctx, runID); err != nil {
		return nil, err
	}
	report, err := s.chain.Inspect(ctx, runID)
	if err != nil {
		traces.Fail(span, err, "audit load failed")
		return nil, err
	}
	metrics.RecordVerification(report.Valid)
	if !report.Valid {
		logging.L(logging.WithRunID(ctx, runID)).Warn("audit chain corrupted", "first_broken_seq", report.FirstBrokenSeq)
	}
	return report, nil
}
