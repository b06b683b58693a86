package scenario

import "github.com/cryptocardia/sandbox/internal/sandbox"

// Case is one intent submitted to the sandbox, with the outcome it should get.
type Case struct {
	Name       string          `yaml:"name"`
	AmountUSD  float64         `yaml:"amount_usd"`
	Attributes map[string]any  `yaml:"attributes,omitempty"`
	Flags      map[string]bool `yaml:"scenario,omitempty"`
	Execution  any             `yaml:"execution,omitempty"`

	Expect        string   `yaml:"expect"`
	ExpectRisk    string   `yaml:"expect_risk,omitempty"`
	ExpectReasons []string `yaml:"expect_reasons,omitempty"`
}

// File is a named collection of cases. Policy is an optional policy file,
// resolved relative to the scenario file.
type File struct {
	Name   string `yaml:"name"`
	Policy string `yaml:"policy,omitempty"`
	Cases  []Case `yaml:"cases"`
}

// CaseResult is the outcome of evaluating one case.
type CaseResult struct {
	Index         int      `json:"index"`
	Name          string   `json:"name"`
	Passed        bool     `json:"passed"`
	RunID         string   `json:"runId"`
	Expected      string   `json:"expected"`
	Actual        string   `json:"actual"`
	ExpectedRisk  string   `json:"expectedRisk,omitempty"`
	ActualRisk    string   `json:"actualRisk"`
	Reasons       []string `json:"reasons"`
	MissingReason []string `json:"missingReasons,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// RunResult is the outcome of running all cases in one scenario file.
type RunResult struct {
	File       string           `json:"file"`
	Name       string           `json:"name"`
	PolicyHash string           `json:"policyHash"`
	Total      int              `json:"total"`
	Passed     int              `json:"passed"`
	Failed     int              `json:"failed"`
	Cases      []CaseResult     `json:"cases"`
	Summary    *sandbox.Summary `json:"summary,omitempty"`
}
