// Package ledger derives the economic effect of a governance decision.
//
// The ledger is a pure function of the decision, the simulation's ground
// truth and the attempted value. It never sees risk signals and never
// influences the decision.
package ledger

import (
	"github.com/cryptocardia/sandbox/internal/policy"
	"github.com/cryptocardia/sandbox/internal/risk"
)

// Entry is the cost/benefit record of one run. All values are USD.
type Entry struct {
	AttemptedValueUSD    float64 `json:"attemptedValue"`
	PreventedLossUSD     float64 `json:"preventedLoss"`
	FrictionCostUSD      float64 `json:"frictionCost"`
	FalsePositiveCostUSD float64 `json:"falsePositiveCost"`
	NetSecurityValueUSD  float64 `json:"netSecurityValue"`
}

// Compute applies the policy's economic constants:
//
//	prevented     = attempted  if DENY and attack
//	friction      = step-up    if STEP_UP
//	falsePositive = fp cost    if DENY and not attack
//	net           = prevented - friction - falsePositive
func Compute(p *policy.Policy, decision risk.Decision, groundTruthIsAttack bool, attempted float64) Entry {
	if p == nil {
		p = policy.Default()
	}
	e := Entry{AttemptedValueUSD: attempted}

	switch decision {
	case risk.DecisionDeny:
		if groundTruthIsAttack {
			e.PreventedLossUSD = attempted
		} else {
			e.FalsePositiveCostUSD = p.FalsePositiveCostUSD
		}
	case risk.DecisionStepUp:
		e.FrictionCostUSD = p.StepUpCostUSD
	}

	e.NetSecurityValueUSD = e.PreventedLossUSD - e.FrictionCostUSD - e.FalsePositiveCostUSD
	return e
}
