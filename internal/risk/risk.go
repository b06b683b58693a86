// Package risk scores a proposed financial intent against an adversarial
// scenario and maps the score to a governance decision.
//
// Evaluation is pure: the same intent, scenario and policy always produce
// the same decision, reasons and score. Integrity signals (replay, expired
// TTL, hash mismatch, poisoned stats) short-circuit scoring and deny
// outright.
package risk

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Decision is the governance verdict on an intent.
type Decision string

const (
	DecisionAllow  Decision = "ALLOW"
	DecisionStepUp Decision = "STEP_UP"
	DecisionDeny   Decision = "DENY"
)

// Level is the risk band derived from the additive score.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Reason is a stable code explaining a contribution to the decision.
type Reason string

// ReasonExecHashMismatch is emitted when the integrity verifier detects a
// divergence between intended and executed payloads.
const ReasonExecHashMismatch Reason = "EXEC_HASH_MISMATCH"

// Evaluation is the immutable result of scoring one intent.
type Evaluation struct {
	Decision         Decision `json:"decision"`
	Risk             Level    `json:"risk"`
	Reasons          []Reason `json:"reasons"`
	IntegrityFailure bool     `json:"integrityFailure"`
	Score            int      `json:"score"`
}

// ForcedDeny builds the evaluation used when an integrity check fails
// outside the engine. Scoring is skipped so the score is 0.
func ForcedDeny(level Level, reason Reason) *Evaluation {
	return &Evaluation{
		Decision:         DecisionDeny,
		Risk:             level,
		Reasons:          []Reason{reason},
		IntegrityFailure: true,
	}
}

// Intent is a proposed financial action. AmountUSD is the attempted value;
// every other field is carried opaquely in Attributes.
type Intent struct {
	AmountUSD  float64
	Attributes map[string]any
}

const amountKey = "amountUsd"

// MarshalJSON flattens the intent back into a single object.
func (i Intent) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(i.Attributes)+1)
	for k, v := range i.Attributes {
		out[k] = v
	}
	out[amountKey] = i.AmountUSD
	return json.Marshal(out)
}

// UnmarshalJSON accepts a flat object. A missing or non-numeric amount
// decodes as 0; request validation happens before the core.
func (i *Intent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	i.AmountUSD = 0
	if v, ok := raw[amountKey].(float64); ok {
		i.AmountUSD = v
	}
	delete(raw, amountKey)
	if len(raw) == 0 {
		raw = nil
	}
	i.Attributes = raw
	return nil
}

// Scenario is the set of adversarial signals attached to a run. The known
// signals are enumerated; anything else a client sends is kept in Extra so
// newer scenario vocabularies survive a round trip.
type Scenario struct {
	ReplayAttempt       bool
	TTLExpired          bool
	ExecHashMismatch    bool
	PoisonStats         bool
	NewRecipient        bool
	HighVelocity        bool
	UnusualTime         bool
	AdminScope          bool
	APIKeyCompromise    bool
	ContractParamTamper bool
	IsAttack            bool

	Extra map[string]bool
}

// Signal names as they appear on the wire and in policy files.
const (
	SignalReplayAttempt       = "replay_attempt"
	SignalTTLExpired          = "ttl_expired"
	SignalExecHashMismatch    = "exec_hash_mismatch"
	SignalPoisonStats         = "poison_stats"
	SignalNewRecipient        = "new_recipient"
	SignalHighVelocity        = "high_velocity"
	SignalUnusualTime         = "unusual_time"
	SignalAdminScope          = "admin_scope"
	SignalAPIKeyCompromise    = "api_key_compromise"
	SignalContractParamTamper = "contract_param_tamper"
	SignalIsAttack            = "is_attack"
)

func (s *Scenario) field(name string) *bool {
	switch name {
	case SignalReplayAttempt:
		return &s.ReplayAttempt
	case SignalTTLExpired:
		return &s.TTLExpired
	case SignalExecHashMismatch:
		return &s.ExecHashMismatch
	case SignalPoisonStats:
		return &s.PoisonStats
	case SignalNewRecipient:
		return &s.NewRecipient
	case SignalHighVelocity:
		return &s.HighVelocity
	case SignalUnusualTime:
		return &s.UnusualTime
	case SignalAdminScope:
		return &s.AdminScope
	case SignalAPIKeyCompromise:
		return &s.APIKeyCompromise
	case SignalContractParamTamper:
		return &s.ContractParamTamper
	case SignalIsAttack:
		return &s.IsAttack
	}
	return nil
}

// KnownSignals lists the enumerated signal names in declaration order.
func KnownSignals() []string {
	return []string{
		SignalReplayAttempt, SignalTTLExpired, SignalExecHashMismatch, SignalPoisonStats,
		SignalNewRecipient, SignalHighVelocity, SignalUnusualTime, SignalAdminScope,
		SignalAPIKeyCompromise, SignalContractParamTamper, SignalIsAttack,
	}
}

// Flag reports whether the named signal is set.
func (s Scenario) Flag(name string) bool {
	if f := s.field(name); f != nil {
		return *f
	}
	return s.Extra[name]
}

// Set assigns the named signal, routing unknown names to Extra.
func (s *Scenario) Set(name string, v bool) {
	if f := s.field(name); f != nil {
		*f = v
		return
	}
	if s.Extra == nil {
		s.Extra = make(map[string]bool)
	}
	s.Extra[name] = v
}

// ScenarioFromFlags builds a Scenario from a flat flag map.
func ScenarioFromFlags(flags map[string]bool) Scenario {
	var s Scenario
	for name, v := range flags {
		s.Set(name, v)
	}
	return s
}

// Flags returns the flat form: every known signal plus the extras.
func (s Scenario) Flags() map[string]bool {
	out := make(map[string]bool, 11+len(s.Extra))
	for name, v := range s.Extra {
		out[name] = v
	}
	for _, name := range KnownSignals() {
		out[name] = s.Flag(name)
	}
	return out
}

// AnyTrue reports whether any signal is set. This is the simulation's
// ground truth for "this run is an attack" and is only consumed by the
// economic ledger, never by the decision logic.
func (s Scenario) AnyTrue() bool {
	for _, v := range s.Flags() {
		if v {
			return true
		}
	}
	return false
}

// Active returns the names of the set signals, sorted.
func (s Scenario) Active() []string {
	var names []string
	for name, v := range s.Flags() {
		if v {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (s Scenario) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Flags())
}

func (s *Scenario) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Scenario{}
	for name, v := range raw {
		switch b := v.(type) {
		case bool:
			s.Set(name, b)
		case nil:
			s.Set(name, false)
		default:
			return fmt.Errorf("scenario flag %q must be a boolean", name)
		}
	}
	return nil
}
