package risk

import (
	"github.com/cryptocardia/sandbox/internal/policy"
)

// Engine evaluates intents against a fixed policy. It holds no mutable
// state and is safe for concurrent use.
type Engine struct {
	policy *policy.Policy
}

// NewEngine creates a risk engine bound to p. A nil policy uses
// policy.Default().
func NewEngine(p *policy.Policy) *Engine {
	if p == nil {
		p = policy.Default()
	}
	return &Engine{policy: p}
}

// Policy returns the ruleset the engine decides under.
func (e *Engine) Policy() *policy.Policy {
	return e.policy
}

// Evaluate scores an intent under a scenario.
//
// Hard-fail signals are checked first in policy order and deny with HIGH
// risk without computing a score. Otherwise the highest matching amount
// tier and every set additive signal contribute points, the total is
// banded, and the band maps to a decision.
func (e *Engine) Evaluate(intent Intent, scenario Scenario) *Evaluation {
	p := e.policy

	for _, hf := range p.HardFails {
		if scenario.Flag(hf.Signal) {
			return ForcedDeny(LevelHigh, Reason(hf.Reason))
		}
	}

	score := 0
	reasons := []Reason{}

	for _, tier := range p.AmountTiers {
		if intent.AmountUSD >= tier.MinUSD {
			score += tier.Points
			reasons = append(reasons, Reason(tier.Reason))
			break
		}
	}

	for _, sig := range p.Signals {
		if scenario.Flag(sig.Signal) {
			score += sig.Points
			reasons = append(reasons, Reason(sig.Reason))
		}
	}

	level := e.Band(score)
	return &Evaluation{
		Decision: DecisionFor(level),
		Risk:     level,
		Reasons:  reasons,
		Score:    score,
	}
}

// Band maps a score to a risk level.
func (e *Engine) Band(score int) Level {
	switch {
	case score >= e.policy.Bands.HighAt:
		return LevelHigh
	case score >= e.policy.Bands.MediumAt:
		return LevelMedium
	default:
		return LevelLow
	}
}

// DecisionFor maps a risk band to a decision. CRITICAL denies like HIGH.
func DecisionFor(level Level) Decision {
	switch level {
	case LevelHigh, LevelCritical:
		return DecisionDeny
	case LevelMedium:
		return DecisionStepUp
	default:
		return DecisionAllow
	}
}
