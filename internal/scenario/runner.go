// Package scenario runs YAML files of intents through an in-process sandbox
// and checks each governed outcome against its expectation.
package scenario

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cryptocardia/sandbox/internal/audit"
	"github.com/cryptocardia/sandbox/internal/policy"
	"github.com/cryptocardia/sandbox/internal/risk"
	"github.com/cryptocardia/sandbox/internal/sandbox"
	"github.com/cryptocardia/sandbox/internal/validation"
)

// Run evaluates every case in s against a fresh in-memory sandbox governed by p.
// Cases run in order and share the sandbox, so the summary covers the file.
func Run(ctx context.Context, s *File, p *policy.Policy) (*RunResult, error) {
	if p == nil {
		p = policy.Default()
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	svc := sandbox.NewService(p, sandbox.NewMemoryStore(), audit.NewChain(audit.NewMemoryStore()), nil)

	result := &RunResult{
		Name:       s.Name,
		PolicyHash: p.Hash(),
		Total:      len(s.Cases),
	}

	for i, c := range s.Cases {
		cr := runCase(ctx, svc, i+1, c)
		if cr.Passed {
			result.Passed++
		} else {
			result.Failed++
		}
		result.Cases = append(result.Cases, cr)
	}

	summary, err := svc.Summary(ctx)
	if err != nil {
		return nil, fmt.Errorf("summarize %s: %w", s.Name, err)
	}
	result.Summary = summary
	return result, nil
}

func runCase(ctx context.Context, svc *sandbox.Service, index int, c Case) CaseResult {
	cr := CaseResult{
		Index:        index,
		Name:         c.Name,
		Expected:     strings.ToUpper(c.Expect),
		ExpectedRisk: strings.ToUpper(c.ExpectRisk),
	}

	req, err := sandbox.NewRequest(c.AmountUSD, c.Attributes, c.Flags, c.Execution)
	if err != nil {
		cr.Error = err.Error()
		return cr
	}
	res, err := svc.Evaluate(ctx, req)
	if err != nil {
		cr.Error = err.Error()
		return cr
	}

	cr.RunID = res.RunID
	cr.Actual = string(res.Governed.Decision)
	cr.ActualRisk = string(res.Governed.Risk)
	cr.Reasons = reasonStrings(res.Governed.Reasons)
	cr.MissingReason = missing(c.ExpectReasons, cr.Reasons)

	cr.Passed = cr.Actual == cr.Expected &&
		(cr.ExpectedRisk == "" || cr.ActualRisk == cr.ExpectedRisk) &&
		len(cr.MissingReason) == 0
	return cr
}

// Validate checks that every case names a known decision and a usable amount.
func (s *File) Validate() error {
	validators := []func() *validation.ValidationError{
		validation.Required("name", s.Name),
	}
	if len(s.Cases) == 0 {
		validators = append(validators, validation.Required("cases", ""))
	}
	for i, c := range s.Cases {
		prefix := fmt.Sprintf("cases[%d].", i)
		validators = append(validators,
			validation.Required(prefix+"expect", c.Expect),
			validation.OneOf(prefix+"expect", strings.ToUpper(c.Expect),
				string(risk.DecisionAllow), string(risk.DecisionStepUp), string(risk.DecisionDeny)),
			validation.OneOf(prefix+"expect_risk", strings.ToUpper(c.ExpectRisk),
				string(risk.LevelLow), string(risk.LevelMedium), string(risk.LevelHigh), string(risk.LevelCritical)),
			validation.NonNegativeAmount(prefix+"amount_usd", c.AmountUSD),
		)
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		return fmt.Errorf("invalid scenario %q: %w", s.Name, errs)
	}
	return nil
}

// Load reads and parses a scenario file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied scenario path
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	var s File
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	return &s, nil
}

// LoadAndRun loads a scenario file and runs it. A non-nil override replaces
// whatever policy the file names.
func LoadAndRun(ctx context.Context, path string, override *policy.Policy) (*RunResult, error) {
	s, err := Load(path)
	if err != nil {
		return nil, err
	}

	p := override
	if p == nil && s.Policy != "" {
		policyPath := s.Policy
		if !filepath.IsAbs(policyPath) {
			policyPath = filepath.Join(filepath.Dir(path), policyPath)
		}
		if p, err = policy.Load(policyPath); err != nil {
			return nil, fmt.Errorf("load policy for %s: %w", path, err)
		}
	}

	result, err := Run(ctx, s, p)
	if err != nil {
		return nil, err
	}
	result.File = path
	return result, nil
}

// Collect expands directories into their .yaml/.yml files, sorted by name.
// Plain file arguments are kept as given.
func Collect(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		var files []string
		for _, e := range entries {
			ext := filepath.Ext(e.Name())
			if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
				files = append(files, filepath.Join(p, e.Name()))
			}
		}
		sort.Strings(files)
		out = append(out, files...)
	}
	return out, nil
}

func reasonStrings(reasons []risk.Reason) []string {
	out := make([]string, len(reasons))
	for i, r := range reasons {
		out[i] = string(r)
	}
	return out
}

// missing returns the expected reasons absent from actual.
func missing(expected, actual []string) []string {
	have := make(map[string]bool, len(actual))
	for _, r := range actual {
		have[r] = true
	}
	var out []string
	for _, r := range expected {
		if !have[strings.ToUpper(r)] {
			out = append(out, strings.ToUpper(r))
		}
	}
	return out
}
