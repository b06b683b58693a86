//go:build integration

package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptocardia/sandbox/internal/audit"
	"github.com/cryptocardia/sandbox/internal/risk"
	"github.com/cryptocardia/sandbox/internal/sqlstore"
	"github.com/cryptocardia/sandbox/internal/testutil"
)

func TestPostgres_EvaluatePersistsRunAndChain(t *testing.T) {
	db := testutil.PGContainer(t)
	ctx := context.Background()

	svc := NewService(nil, NewPostgresStore(db), audit.NewChain(audit.NewPostgresStore(db)), sqlstore.NewTxRunner(db))

	req, err := NewRequest(250000, map[string]any{"recipient": "0xabc"},
		map[string]bool{"new_recipient": true, "high_velocity": true, "is_attack": true}, nil)
	require.NoError(t, err)

	result, err := svc.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, risk.DecisionDeny, result.Governed.Decision)

	run, err := svc.Get(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, float64(250000), run.Intent.AmountUSD)
	assert.Equal(t, result.Policy.Hash, run.Policy.Hash)

	report, err := svc.VerifyAudit(ctx, result.RunID)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 1, report.Events)

	summary, err := svc.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.TotalRuns)
	assert.Equal(t, float64(250000), summary.TotalPrevented)
}

func TestPostgres_TamperedExecutionStored(t *testing.T) {
	db := testutil.PGContainer(t)
	ctx := context.Background()

	svc := NewService(nil, NewPostgresStore(db), audit.NewChain(audit.NewPostgresStore(db)), sqlstore.NewTxRunner(db))

	req, err := NewRequest(100, nil, map[string]bool{"contract_param_tamper": true},
		map[string]any{"to": "0xabc", "amount": 100})
	require.NoError(t, err)

	result, err := svc.Evaluate(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, result.Execution)
	assert.True(t, result.Execution.Tampered)

	run, err := svc.Get(ctx, result.RunID)
	require.NoError(t, err)
	require.NotNil(t, run.Integrity)
	assert.Equal(t, result.Execution.ExpectedHash, run.Integrity.ExpectedHash)
	assert.Equal(t, result.Execution.ActualHash, run.Integrity.ActualHash)
	assert.Equal(t, risk.LevelCritical, run.Evaluation.Risk)
}

func TestPostgres_AuditEventsAreAppendOnly(t *testing.T) {
	db := testutil.PGContainer(t)
	ctx := context.Background()

	svc := NewService(nil, NewPostgresStore(db), audit.NewChain(audit.NewPostgresStore(db)), sqlstore.NewTxRunner(db))
	req, err := NewRequest(10, nil, nil, nil)
	require.NoError(t, err)
	result, err := svc.Evaluate(ctx, req)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `UPDATE audit_events SET message = 'rewritten' WHERE run_id = $1`, result.RunID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = db.ExecContext(ctx, `DELETE FROM audit_events WHERE run_id = $1`, result.RunID)
	require.Error(t, err)

	report, err := svc.VerifyAudit(ctx, result.RunID)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}
