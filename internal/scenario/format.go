package scenario

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatText renders a list of run results as human-readable text.
func FormatText(results []*RunResult) string {
	var b strings.Builder

	totalFiles := len(results)
	fmt.Fprintf(&b, "Checking %d scenario file", totalFiles)
	if totalFiles != 1 {
		b.WriteString("s")
	}
	b.WriteString("...\n\n")

	totalCases := 0
	totalPassed := 0
	failedScenarios := 0

	for _, r := range results {
		totalCases += r.Total
		totalPassed += r.Passed

		status := "PASS"
		if r.Failed > 0 {
			status = "FAIL"
			failedScenarios++
		}
		fmt.Fprintf(&b, "  %s  %s (%d/%d)", status, r.Name, r.Passed, r.Total)
		if r.Summary != nil {
			fmt.Fprintf(&b, "  prevented $%.2f, net $%.2f", r.Summary.TotalPrevented, r.Summary.NetSecurityValue)
		}
		b.WriteString("\n")

		for _, c := range r.Cases {
			if c.Passed {
				continue
			}
			name := c.Name
			if len(name) > 40 {
				name = name[:37] + "..."
			}
			switch {
			case c.Error != "":
				fmt.Fprintf(&b, "    FAIL  case %d: %-40s error: %s\n", c.Index, name, c.Error)
			case len(c.MissingReason) > 0 && c.Actual == c.Expected:
				fmt.Fprintf(&b, "    FAIL  case %d: %-40s missing reasons %s\n",
					c.Index, name, strings.Join(c.MissingReason, ", "))
			default:
				fmt.Fprintf(&b, "    FAIL  case %d: %-40s expected %s, got %s (%s)\n",
					c.Index, name, describe(c.Expected, c.ExpectedRisk), c.Actual, c.ActualRisk)
			}
		}
	}

	fmt.Fprintf(&b, "\n%d of %d cases passed.", totalPassed, totalCases)
	if failedScenarios > 0 {
		fmt.Fprintf(&b, " %d of %d scenarios failed.", failedScenarios, totalFiles)
	}
	b.WriteString("\n")

	return b.String()
}

func describe(decision, level string) string {
	if level == "" {
		return decision
	}
	return decision + " (" + level + ")"
}

// FormatJSON renders run results as JSON.
func FormatJSON(results []*RunResult) (string, error) {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal results: %w", err)
	}
	return string(data), nil
}

// Failed reports whether any case in results failed.
func Failed(results []*RunResult) bool {
	for _, r := range results {
		if r.Failed > 0 {
			return true
		}
	}
	return false
}
