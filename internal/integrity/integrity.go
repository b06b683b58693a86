// Package integrity detects divergence between the execution payload a
// caller intended and the one that was actually executed.
//
// Both payloads are reduced to a domain-separated hash over their canonical
// encoding. The verifier only compares hashes; it has no knowledge of how
// the observed payload came to differ.
package integrity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/cryptocardia/sandbox/internal/canonical"
)

// DomainTag prefixes every execution hash so it can never collide with a
// hash computed for another purpose over the same bytes.
const DomainTag = "EXEC:LAB:v1:"

// Result is the outcome of comparing an intended and an observed payload.
type Result struct {
	ExpectedHash string `json:"expectedExecHash"`
	ActualHash   string `json:"actualExecHash"`
	Tampered     bool   `json:"tampered"`
}

// ComputeExecHash returns sha256hex(DomainTag || canonical(record)).
func ComputeExecHash(record any) (string, error) {
	enc, err := canonical.Encode(record)
	if err != nil {
		return "", fmt.Errorf("failed to encode execution record: %w", err)
	}
	buf := make([]byte, 0, len(DomainTag)+len(enc))
	buf = append(buf, DomainTag...)
	buf = append(buf, enc...)
	return canonical.HashBytes(buf), nil
}

// Verify hashes both payloads and reports whether they differ.
func Verify(intended, observed any) (*Result, error) {
	expected, err := ComputeExecHash(intended)
	if err != nil {
		return nil, err
	}
	actual, err := ComputeExecHash(observed)
	if err != nil {
		return nil, err
	}
	return &Result{
		ExpectedHash: expected,
		ActualHash:   actual,
		Tampered:     expected != actual,
	}, nil
}

// SimulateTamper returns a mutated deep copy of record, standing in for a
// compromised executor that altered contract parameters in flight.
//
// For an object, the first non-zero numeric top-level field in byte-wise key
// order is multiplied by 100. If there is none, the "tampered" field is set
// (or flipped if already true). A bare number is multiplied by 100; any
// other value is wrapped as {"tampered":true,"value":...}. The input is
// never modified and the result always hashes differently.
func SimulateTamper(record any) (any, error) {
	dup, err := deepCopy(record)
	if err != nil {
		return nil, err
	}

	switch v := dup.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if n, ok := v[k].(json.Number); ok {
				if scaled, ok := scale(n); ok {
					v[k] = scaled
					return v, nil
				}
			}
		}
		prev, _ := v["tampered"].(bool)
		v["tampered"] = !prev
		return v, nil
	case json.Number:
		if scaled, ok := scale(v); ok {
			return scaled, nil
		}
		if f, err := strconv.ParseFloat(v.String(), 64); err == nil && f == 0 {
			return json.Number("1"), nil
		}
	}
	return map[string]any{"tampered": true, "value": dup}, nil
}

// scale multiplies n by 100. It refuses zero (which would not change) and
// results that overflow to infinity.
func scale(n json.Number) (json.Number, bool) {
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil || f == 0 {
		return "", false
	}
	out := f * 100
	if math.IsInf(out, 0) {
		return "", false
	}
	return json.Number(canonical.FormatNumber(out)), true
}

func deepCopy(record any) (any, error) {
	enc, err := canonical.Encode(record)
	if err != nil {
		return nil, fmt.Errorf("failed to copy execution record: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(enc))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to copy execution record: %w", err)
	}
	return out, nil
}
