package sandbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/cryptocardia/sandbox/internal/integrity"
	"github.com/cryptocardia/sandbox/internal/pagination"
	"github.com/cryptocardia/sandbox/internal/risk"
	"github.com/cryptocardia/sandbox/internal/sqlstore"
)

const uniqueViolation = "23505"

// PostgresStore persists runs in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed run store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the sandbox_runs table and indexes.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sandbox_runs (
			id                      VARCHAR(36) PRIMARY KEY,
			attempted_value_usd     DOUBLE PRECISION NOT NULL CHECK (attempted_value_usd >= 0),
			intent                  JSONB NOT NULL,
			scenario                JSONB NOT NULL,
			execution               JSONB,
			decision                VARCHAR(10) NOT NULL CHECK (decision IN ('ALLOW','STEP_UP','DENY')),
			risk                    VARCHAR(10) NOT NULL CHECK (risk IN ('LOW','MEDIUM','HIGH','CRITICAL')),
			reasons                 JSONB NOT NULL DEFAULT '[]',
			score                   INTEGER NOT NULL DEFAULT 0,
			integrity_failure       BOOLEAN NOT NULL DEFAULT FALSE,
			expected_exec_hash      VARCHAR(64),
			actual_exec_hash        VARCHAR(64),
			tampered                BOOLEAN NOT NULL DEFAULT FALSE,
			prevented_loss_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
			friction_cost_usd       DOUBLE PRECISION NOT NULL DEFAULT 0,
			false_positive_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			net_security_value_usd  DOUBLE PRECISION NOT NULL DEFAULT 0,
			policy_id               VARCHAR(128) NOT NULL,
			policy_version          VARCHAR(64) NOT NULL,
			policy_hash             VARCHAR(64) NOT NULL,
			created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_sandbox_runs_created ON sandbox_runs (created_at DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_sandbox_runs_decision ON sandbox_runs (decision);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, r *Run) error {
	intent, err := json.Marshal(r.Intent)
	if err != nil {
		return fmt.Errorf("failed to marshal intent: %w", err)
	}
	scenario, err := json.Marshal(r.Scenario)
	if err != nil {
		return fmt.Errorf("failed to marshal scenario: %w", err)
	}
	reasons, err := json.Marshal(r.Evaluation.Reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal reasons: %w", err)
	}
	if r.Evaluation.Reasons == nil {
		reasons = []byte("[]")
	}

	var execution, expected, actual sql.NullString
	var tampered bool
	if len(r.Execution) > 0 {
		execution = sql.NullString{String: string(r.Execution), Valid: true}
	}
	if r.Integrity != nil {
		expected = sql.NullString{String: r.Integrity.ExpectedHash, Valid: true}
		actual = sql.NullString{String: r.Integrity.ActualHash, Valid: true}
		tampered = r.Integrity.Tampered
	}

	_, err = sqlstore.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO sandbox_runs (
			id, attempted_value_usd, intent, scenario, execution,
			decision, risk, reasons, score, integrity_failure,
			expected_exec_hash, actual_exec_hash, tampered,
			prevented_loss_usd, friction_cost_usd, false_positive_cost_usd, net_security_value_usd,
			policy_id, policy_version, policy_hash, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13,
			$14, $15, $16, $17,
			$18, $19, $20, $21
		)`,
		r.ID, r.Ledger.AttemptedValueUSD, string(intent), string(scenario), execution,
		string(r.Evaluation.Decision), string(r.Evaluation.Risk), string(reasons), r.Evaluation.Score, r.Evaluation.IntegrityFailure,
		expected, actual, tampered,
		r.Ledger.PreventedLossUSD, r.Ledger.FrictionCostUSD, r.Ledger.FalsePositiveCostUSD, r.Ledger.NetSecurityValueUSD,
		r.Policy.ID, r.Policy.Version, r.Policy.Hash, r.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return ErrRunExists
		}
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

const selectRun = `
	SELECT id, attempted_value_usd, intent, scenario, execution,
	       decision, risk, reasons, score, integrity_failure,
	       expected_exec_hash, actual_exec_hash, tampered,
	       prevented_loss_usd, friction_cost_usd, false_positive_cost_usd, net_security_value_usd,
	       policy_id, policy_version, policy_hash, created_at
	FROM sandbox_runs`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Run, error) {
	row := sqlstore.Conn(ctx, p.db).QueryRowContext(ctx, selectRun+` WHERE id = $1`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) List(ctx context.Context, before *pagination.Cursor, limit int) ([]*Run, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before == nil {
		rows, err = sqlstore.Conn(ctx, p.db).QueryContext(ctx, selectRun+`
			ORDER BY created_at DESC, id DESC
			LIMIT $1`, limit)
	} else {
		rows, err = sqlstore.Conn(ctx, p.db).QueryContext(ctx, selectRun+`
			WHERE (created_at, id) < ($1, $2)
			ORDER BY created_at DESC, id DESC
			LIMIT $3`, before.CreatedAt, before.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Summary(ctx context.Context) (*Summary, error) {
	s := &Summary{}
	err := sqlstore.Conn(ctx, p.db).QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(attempted_value_usd), 0),
			COALESCE(SUM(prevented_loss_usd), 0),
			COALESCE(SUM(friction_cost_usd), 0),
			COALESCE(SUM(false_positive_cost_usd), 0),
			COALESCE(SUM(net_security_value_usd), 0),
			COUNT(*) FILTER (WHERE decision = 'DENY'),
			COUNT(*) FILTER (WHERE decision = 'STEP_UP'),
			COUNT(*) FILTER (WHERE decision = 'ALLOW')
		FROM sandbox_runs`,
	).Scan(
		&s.TotalRuns, &s.TotalAttempted, &s.TotalPrevented, &s.TotalFriction,
		&s.TotalFalsePositive, &s.NetSecurityValue,
		&s.DenyCount, &s.StepUpCount, &s.AllowCount,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize runs: %w", err)
	}
	s.finish()
	return s, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	r := &Run{}
	var (
		intent, scenario, reasons []byte
		execution                 []byte
		decision, level           string
		expected, actual          sql.NullString
		tampered                  bool
	)

	err := sc.Scan(
		&r.ID, &r.Ledger.AttemptedValueUSD, &intent, &scenario, &execution,
		&decision, &level, &reasons, &r.Evaluation.Score, &r.Evaluation.IntegrityFailure,
		&expected, &actual, &tampered,
		&r.Ledger.PreventedLossUSD, &r.Ledger.FrictionCostUSD, &r.Ledger.FalsePositiveCostUSD, &r.Ledger.NetSecurityValueUSD,
		&r.Policy.ID, &r.Policy.Version, &r.Policy.Hash, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(intent, &r.Intent); err != nil {
		return nil, fmt.Errorf("failed to decode intent: %w", err)
	}
	if err := json.Unmarshal(scenario, &r.Scenario); err != nil {
		return nil, fmt.Errorf("failed to decode scenario: %w", err)
	}
	if err := json.Unmarshal(reasons, &r.Evaluation.Reasons); err != nil {
		return nil, fmt.Errorf("failed to decode reasons: %w", err)
	}
	if len(execution) > 0 {
		r.Execution = json.RawMessage(execution)
	}
	r.Evaluation.Decision = risk.Decision(decision)
	r.Evaluation.Risk = risk.Level(level)
	if expected.Valid {
		r.Integrity = &integrity.Result{
			ExpectedHash: expected.String,
			ActualHash:   actual.String,
			Tampered:     tampered,
		}
	}
	return r, nil
}

var _ RunStore = (*PostgresStore)(nil)
