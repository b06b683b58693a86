// Package policy holds the versioned ruleset consumed by the risk engine and
// the economic ledger.
//
// A Policy is fixed for the lifetime of a process. Every run records the
// policy id, version and hash it was decided under, so a decision can be
// tied back to the exact rules that produced it.
package policy

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cryptocardia/sandbox/internal/canonical"
)

// Errors
var (
	ErrInvalidPolicy = errors.New("policy: invalid policy")
)

// Default identity of the built-in ruleset.
const (
	DefaultID      = "cryptocardia-lab-governance"
	DefaultVersion = "v1"
)

// gateReasons are the hard fails every policy must carry. A custom file may
// reorder them or add more, but cannot drop or rename one.
var gateReasons = map[string]string{
	"replay_attempt":     "REPLAY_ATTACK",
	"ttl_expired":        "TTL_EXPIRED",
	"exec_hash_mismatch": "EXEC_HASH_MISMATCH",
	"poison_stats":       "UNTRUSTED_STATS_SOURCE",
}

// Policy is a versioned, identified set of scoring weights, band thresholds
// and economic constants.
type Policy struct {
	ID      string `yaml:"id" json:"id"`
	Version string `yaml:"version" json:"version"`

	// HardFails are checked in order; the first set signal denies outright.
	HardFails []Rule `yaml:"hard_fails" json:"hardFails"`
	// AmountTiers must be sorted by MinUSD descending; only the highest
	// matching tier contributes.
	AmountTiers []AmountTier `yaml:"amount_tiers" json:"amountTiers"`
	// Signals are additive and applied in declared order.
	Signals []Rule `yaml:"signals" json:"signals"`

	Bands Bands `yaml:"bands" json:"bands"`

	StepUpCostUSD        float64 `yaml:"step_up_cost_usd" json:"stepUpCostUsd"`
	FalsePositiveCostUSD float64 `yaml:"false_positive_cost_usd" json:"falsePositiveCostUsd"`
}

// Rule binds a scenario signal to the reason code it produces. Points are
// ignored for hard fails.
type Rule struct {
	Signal string `yaml:"signal" json:"signal"`
	Reason string `yaml:"reason" json:"reason"`
	Points int    `yaml:"points,omitempty" json:"points,omitempty"`
}

// AmountTier adds Points when the attempted amount is at least MinUSD.
type AmountTier struct {
	MinUSD float64 `yaml:"min_usd" json:"minUsd"`
	Points int     `yaml:"points" json:"points"`
	Reason string  `yaml:"reason" json:"reason"`
}

// Bands maps a score to a risk band: >= HighAt is HIGH, >= MediumAt is
// MEDIUM, anything lower is LOW.
type Bands struct {
	HighAt   int `yaml:"high_at" json:"highAt"`
	MediumAt int `yaml:"medium_at" json:"mediumAt"`
}

// Default returns the built-in lab ruleset.
func Default() *Policy {
	return &Policy{
		ID:      DefaultID,
		Version: DefaultVersion,
		HardFails: []Rule{
			{Signal: "replay_attempt", Reason: "REPLAY_ATTACK"},
			{Signal: "ttl_expired", Reason: "TTL_EXPIRED"},
			{Signal: "exec_hash_mismatch", Reason: "EXEC_HASH_MISMATCH"},
			{Signal: "poison_stats", Reason: "UNTRUSTED_STATS_SOURCE"},
		},
		AmountTiers: []AmountTier{
			{MinUSD: 1_000_000, Points: 60, Reason: "EXTREME_AMOUNT"},
			{MinUSD: 100_000, Points: 40, Reason: "HIGH_AMOUNT"},
			{MinUSD: 25_000, Points: 20, Reason: "ELEVATED_AMOUNT"},
		},
		Signals: []Rule{
			{Signal: "new_recipient", Reason: "NEW_RECIPIENT", Points: 25},
			{Signal: "high_velocity", Reason: "HIGH_VELOCITY", Points: 25},
			{Signal: "unusual_time", Reason: "UNUSUAL_TIME", Points: 15},
			{Signal: "admin_scope", Reason: "ADMIN_SCOPE", Points: 20},
			{Signal: "api_key_compromise", Reason: "API_KEY_COMPROMISED", Points: 30},
		},
		Bands:                Bands{HighAt: 70, MediumAt: 35},
		StepUpCostUSD:        25,
		FalsePositiveCostUSD: 50,
	}
}

// Load reads a YAML policy file. Fields absent from the file keep their
// default values; list fields present in the file replace the defaults
// wholesale. An empty path returns Default().
func Load(path string) (*Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML policy document on top of the defaults and
// validates the result.
func Parse(data []byte) (*Policy, error) {
	p := Default()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the ruleset is internally consistent.
func (p *Policy) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPolicy)
	}
	if p.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidPolicy)
	}
	for i, r := range p.HardFails {
		if r.Signal == "" || r.Reason == "" {
			return fmt.Errorf("%w: hard_fails[%d] needs signal and reason", ErrInvalidPolicy, i)
		}
		if want, ok := gateReasons[r.Signal]; ok && r.Reason != want {
			return fmt.Errorf("%w: hard_fails[%d] %s must produce %s", ErrInvalidPolicy, i, r.Signal, want)
		}
	}
	for signal := range gateReasons {
		if !hasHardFail(p.HardFails, signal) {
			return fmt.Errorf("%w: hard_fails must include %s", ErrInvalidPolicy, signal)
		}
	}
	for i, r := range p.Signals {
		if r.Signal == "" || r.Reason == "" {
			return fmt.Errorf("%w: signals[%d] needs signal and reason", ErrInvalidPolicy, i)
		}
		if r.Points < 0 {
			return fmt.Errorf("%w: signals[%d] points must be non-negative", ErrInvalidPolicy, i)
		}
	}
	for i, t := range p.AmountTiers {
		if t.Reason == "" || t.MinUSD <= 0 || t.Points < 0 {
			return fmt.Errorf("%w: amount_tiers[%d] needs positive min_usd, non-negative points and a reason", ErrInvalidPolicy, i)
		}
		if i > 0 && t.MinUSD >= p.AmountTiers[i-1].MinUSD {
			return fmt.Errorf("%w: amount_tiers must be sorted by min_usd descending", ErrInvalidPolicy)
		}
	}
	if p.Bands.MediumAt <= 0 || p.Bands.HighAt <= p.Bands.MediumAt {
		return fmt.Errorf("%w: bands need 0 < medium_at < high_at", ErrInvalidPolicy)
	}
	if p.StepUpCostUSD < 0 || p.FalsePositiveCostUSD < 0 {
		return fmt.Errorf("%w: costs must be non-negative", ErrInvalidPolicy)
	}
	return nil
}

func hasHardFail(rules []Rule, signal string) bool {
	for _, r := range rules {
		if r.Signal == signal {
			return true
		}
	}
	return false
}

// Hash binds a decision to a rule version: sha256hex(id + "_" + version).
func (p *Policy) Hash() string {
	return canonical.HashBytes([]byte(p.ID + "_" + p.Version))
}

// ContentHash is the digest of the full canonical ruleset. Two policies
// sharing an id and version but differing in weights have different
// content hashes.
func (p *Policy) ContentHash() (string, error) {
	return canonical.Hash(p)
}

// Ref identifies the policy a run was decided under.
type Ref struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Hash    string `json:"hash"`
}

// Ref returns the policy reference recorded on every run.
func (p *Policy) Ref() Ref {
	return Ref{ID: p.ID, Version: p.Version, Hash: p.Hash()}
}
