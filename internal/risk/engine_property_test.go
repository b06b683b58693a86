//go:build property
// +build property

package risk

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func scenarioFromBits(bits []bool) Scenario {
	var s Scenario
	for i, name := range KnownSignals() {
		if i < len(bits) {
			s.Set(name, bits[i])
		}
	}
	return s
}

// Property: Evaluate(i, s) == Evaluate(i, s) for any intent and scenario.
func TestEvaluateIsPure(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	engine := NewEngine(nil)

	properties.Property("evaluation is deterministic", prop.ForAll(
		func(amount float64, bits []bool) bool {
			s := scenarioFromBits(bits)
			a := engine.Evaluate(Intent{AmountUSD: amount}, s)
			b := engine.Evaluate(Intent{AmountUSD: amount}, s)
			return reflect.DeepEqual(a, b)
		},
		gen.Float64Range(0, 5_000_000),
		gen.SliceOfN(11, gen.Bool()),
	))

	properties.Property("band always agrees with decision", prop.ForAll(
		func(amount float64, bits []bool) bool {
			ev := engine.Evaluate(Intent{AmountUSD: amount}, scenarioFromBits(bits))
			return DecisionFor(ev.Risk) == ev.Decision
		},
		gen.Float64Range(0, 5_000_000),
		gen.SliceOfN(11, gen.Bool()),
	))

	properties.Property("hard fail signals always deny", prop.ForAll(
		func(amount float64, bits []bool) bool {
			s := scenarioFromBits(bits)
			ev := engine.Evaluate(Intent{AmountUSD: amount}, s)
			if s.ReplayAttempt || s.TTLExpired || s.ExecHashMismatch || s.PoisonStats {
				return ev.Decision == DecisionDeny && ev.IntegrityFailure && ev.Score == 0
			}
			return !ev.IntegrityFailure
		},
		gen.Float64Range(0, 5_000_000),
		gen.SliceOfN(11, gen.Bool()),
	))

	properties.TestingRun(t)
}
