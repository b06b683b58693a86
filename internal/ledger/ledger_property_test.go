//go:build property
// +build property

package ledger

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/cryptocardia/sandbox/internal/policy"
	"github.com/cryptocardia/sandbox/internal/risk"
)

// Property: net == prevented - friction - falsePositive for every input.
func TestNetSecurityValueIdentity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 1000
	properties := gopter.NewProperties(parameters)

	p := policy.Default()
	decisions := []risk.Decision{risk.DecisionAllow, risk.DecisionStepUp, risk.DecisionDeny}

	properties.Property("net value identity holds", prop.ForAll(
		func(d int, attack bool, attempted float64) bool {
			e := Compute(p, decisions[d], attack, attempted)
			return e.NetSecurityValueUSD == e.PreventedLossUSD-e.FrictionCostUSD-e.FalsePositiveCostUSD
		},
		gen.IntRange(0, 2),
		gen.Bool(),
		gen.Float64Range(0, 1e12),
	))

	properties.Property("at most one cost component is non-zero", prop.ForAll(
		func(d int, attack bool, attempted float64) bool {
			e := Compute(p, decisions[d], attack, attempted)
			nonZero := 0
			for _, v := range []float64{e.PreventedLossUSD, e.FrictionCostUSD, e.FalsePositiveCostUSD} {
				if v != 0 {
					nonZero++
				}
			}
			return nonZero <= 1
		},
		gen.IntRange(0, 2),
		gen.Bool(),
		gen.Float64Range(0, 1e12),
	))

	properties.TestingRun(t)
}
