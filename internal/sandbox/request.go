package sandbox

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"

	"github.com/cryptocardia/sandbox/internal/risk"
)

// requestEnvelope keeps each part raw so every field can be checked
// before anything is interpreted.
type requestEnvelope struct {
	Intent    json.RawMessage `json:"intent"`
	Scenario  json.RawMessage `json:"scenario"`
	Execution json.RawMessage `json:"execution"`
}

// DecodeRequest parses and validates a request body. The intent must be an
// object with a non-negative numeric amountUsd and the scenario an object of
// booleans. The execution record is optional; its numbers are kept exact.
func DecodeRequest(data []byte) (*Request, error) {
	var env requestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ValidationError{Field: "body", Message: "must be a JSON object"}
	}
	if absent(env.Intent) {
		return nil, &ValidationError{Field: "intent", Message: "is required"}
	}
	if absent(env.Scenario) {
		return nil, &ValidationError{Field: "scenario", Message: "is required"}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Intent, &fields); err != nil {
		return nil, &ValidationError{Field: "intent", Message: "must be an object"}
	}
	rawAmount, ok := fields["amountUsd"]
	if !ok || absent(rawAmount) {
		return nil, &ValidationError{Field: "amountUsd", Message: "is required"}
	}
	var amount float64
	if err := json.Unmarshal(rawAmount, &amount); err != nil {
		return nil, &ValidationError{Field: "amountUsd", Message: "must be a number"}
	}
	if err := validateAmount(amount); err != nil {
		return nil, err
	}

	req := &Request{}
	if err := json.Unmarshal(env.Intent, &req.Intent); err != nil {
		return nil, &ValidationError{Field: "intent", Message: err.Error()}
	}
	if err := json.Unmarshal(env.Scenario, &req.Scenario); err != nil {
		return nil, &ValidationError{Field: "scenario", Message: "must be an object of boolean flags"}
	}

	if !absent(env.Execution) {
		dec := json.NewDecoder(bytes.NewReader(env.Execution))
		dec.UseNumber()
		if err := dec.Decode(&req.Execution); err != nil {
			return nil, &ValidationError{Field: "execution", Message: "must be valid JSON"}
		}
	}

	if err := rejectNUL(req); err != nil {
		return nil, err
	}
	return req, nil
}

func hasNUL(v any) bool {
	switch v := v.(type) {
	case string:
		return strings.ContainsRune(v, 0)
	case map[string]any:
		for k, e := range v {
			if strings.ContainsRune(k, 0) || hasNUL(e) {
				return true
			}
		}
	case []any:
		for _, e := range v {
			if hasNUL(e) {
				return true
			}
		}
	}
	return false
}

// NewRequest builds a request from already-typed parts, applying the same
// amount rules as DecodeRequest.
func NewRequest(amountUSD float64, attributes map[string]any, flags map[string]bool, execution any) (*Request, error) {
	if err := validateAmount(amountUSD); err != nil {
		return nil, err
	}
	req := &Request{
		Intent:    risk.Intent{AmountUSD: amountUSD, Attributes: attributes},
		Scenario:  risk.ScenarioFromFlags(flags),
		Execution: execution,
	}
	if err := rejectNUL(req); err != nil {
		return nil, err
	}
	return req, nil
}

// rejectNUL refuses U+0000 anywhere a run record stores text. JSONB cannot
// hold it.
func rejectNUL(req *Request) error {
	for k, v := range req.Intent.Attributes {
		if strings.ContainsRune(k, 0) || hasNUL(v) {
			return &ValidationError{Field: "intent", Message: "must not contain NUL characters"}
		}
	}
	for name := range req.Scenario.Flags() {
		if strings.ContainsRune(name, 0) {
			return &ValidationError{Field: "scenario", Message: "must not contain NUL characters"}
		}
	}
	if hasNUL(req.Execution) {
		return &ValidationError{Field: "execution", Message: "must not contain NUL characters"}
	}
	return nil
}

func validateAmount(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return &ValidationError{Field: "amountUsd", Message: "must be a finite number"}
	}
	if v < 0 {
		return &ValidationError{Field: "amountUsd", Message: "must be non-negative"}
	}
	return nil
}

func absent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
