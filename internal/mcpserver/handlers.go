package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/cryptocardia/sandbox/internal/audit"
	"github.com/cryptocardia/sandbox/internal/idgen"
	"github.com/cryptocardia/sandbox/internal/sandbox"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *SandboxClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *SandboxClient) *Handlers {
	return &Handlers{client: client}
}

// HandleEvaluateIntent submits an intent and summarizes the governed outcome.
func (h *Handlers) HandleEvaluateIntent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	amount, ok := getFloat(args, "amount_usd")
	if !ok {
		return mcp.NewToolResultError("amount_usd is required"), nil
	}
	if amount < 0 {
		return mcp.NewToolResultError("amount_usd must not be negative"), nil
	}

	in := EvaluateInput{
		AmountUSD:  amount,
		Attributes: getObject(args, "attributes"),
		Scenario:   getObject(args, "scenario"),
		Execution:  args["execution"],
	}

	result, err := h.client.Evaluate(ctx, in)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Evaluation failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatResult(result)), nil
}

// HandleGetDashboard returns the running totals.
func (h *Handlers) HandleGetDashboard(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	summary, err := h.client.Dashboard(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get dashboard: %v", err)), nil
	}
	return mcp.NewToolResultText(formatSummary(summary)), nil
}

// HandleGetRun fetches one run.
func (h *Handlers) HandleGetRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := req.GetString("run_id", "")
	if runID == "" {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if !idgen.Valid(runID) {
		return mcp.NewToolResultError("run_id must be a UUID"), nil
	}

	raw, err := h.client.GetRun(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get run: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleListRuns lists recent runs.
func (h *Handlers) HandleListRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 0)
	cursor := req.GetString("cursor", "")

	raw, err := h.client.ListRuns(ctx, limit, cursor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list runs: %v", err)), nil
	}

	text, err := formatRunList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse runs: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleVerifyRunAudit replays a run's audit chain.
func (h *Handlers) HandleVerifyRunAudit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := req.GetString("run_id", "")
	if runID == "" {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if !idgen.Valid(runID) {
		return mcp.NewToolResultError("run_id must be a UUID"), nil
	}

	report, err := h.client.VerifyAudit(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Verification failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatReport(runID, report)), nil
}

// HandleGetPolicy shows the active policy.
func (h *Handlers) HandleGetPolicy(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Policy(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get policy: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// --- Formatting ---

func formatResult(r *sandbox.Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Run %s\n", r.RunID)
	fmt.Fprintf(&sb, "  Baseline: %s (%s risk)\n", r.Baseline.Decision, r.Baseline.Risk)
	fmt.Fprintf(&sb, "  Governed: %s (%s risk, score %d)\n", r.Governed.Decision, r.Governed.Risk, r.Governed.Score)
	if len(r.Governed.Reasons) > 0 {
		reasons := make([]string, len(r.Governed.Reasons))
		for i, reason := range r.Governed.Reasons {
			reasons[i] = string(reason)
		}
		fmt.Fprintf(&sb, "  Reasons: %s\n", strings.Join(reasons, ", "))
	}
	if r.Governed.IntegrityFailure {
		sb.WriteString("  Integrity failure: yes\n")
	}
	if r.Execution != nil {
		fmt.Fprintf(&sb, "  Execution hash: expected %s, actual %s", short(r.Execution.ExpectedHash), short(r.Execution.ActualHash))
		if r.Execution.Tampered {
			sb.WriteString(" (TAMPERED)")
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "  Economics: attempted $%.2f, prevented $%.2f, friction $%.2f, false positive $%.2f, net $%.2f\n",
		r.Economics.AttemptedValueUSD,
		r.Economics.PreventedLossUSD,
		r.Economics.FrictionCostUSD,
		r.Economics.FalsePositiveCostUSD,
		r.Economics.NetSecurityValueUSD)
	fmt.Fprintf(&sb, "  Policy: %s@%s (%s)\n", r.Policy.ID, r.Policy.Version, short(r.Policy.Hash))
	fmt.Fprintf(&sb, "  Audit event: %s (hash %s)", r.Audit.EventID, short(r.Audit.EventHash))
	return sb.String()
}

func formatSummary(s *sandbox.Summary) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Sandbox totals over %d runs:\n", s.TotalRuns)
	fmt.Fprintf(&sb, "  Attempted value:     $%.2f\n", s.TotalAttempted)
	fmt.Fprintf(&sb, "  Prevented loss:      $%.2f\n", s.TotalPrevented)
	fmt.Fprintf(&sb, "  Friction cost:       $%.2f\n", s.TotalFriction)
	fmt.Fprintf(&sb, "  False positive cost: $%.2f\n", s.TotalFalsePositive)
	fmt.Fprintf(&sb, "  Net security value:  $%.2f\n", s.NetSecurityValue)
	fmt.Fprintf(&sb, "  Decisions: %d DENY, %d STEP_UP, %d ALLOW (block rate %.1f%%)",
		s.DenyCount, s.StepUpCount, s.AllowCount, s.BlockRate*100)
	return sb.String()
}

func formatReport(runID string, r *audit.Report) string {
	var sb strings.Builder
	if r.Valid {
		fmt.Fprintf(&sb, "Audit chain for run %s is intact (%d events).", runID, r.Events)
		return sb.String()
	}
	fmt.Fprintf(&sb, "Audit chain for run %s is BROKEN at seq %d (%d events).\n", runID, r.FirstBrokenSeq, r.Events)
	for _, c := range r.Checks {
		if c.Valid {
			continue
		}
		fmt.Fprintf(&sb, "  seq %d (%s): %s\n", c.Seq, c.EventID, c.Error)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatRunList(raw json.RawMessage) (string, error) {
	var resp struct {
		Runs       []map[string]any `json:"runs"`
		NextCursor string           `json:"nextCursor"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Runs) == 0 {
		return "No runs recorded yet.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d recent runs:\n", len(resp.Runs))
	for _, run := range resp.Runs {
		decision, level := "", ""
		if ev, ok := run["evaluation"].(map[string]any); ok {
			decision = getString(ev, "decision")
			level = getString(ev, "risk")
		}
		amount := ""
		if intent, ok := run["intent"].(map[string]any); ok {
			amount = getString(intent, "amountUsd")
		}
		fmt.Fprintf(&sb, "  %s  %-7s %-8s $%s\n", getString(run, "id"), decision, level, amount)
	}
	if resp.NextCursor != "" {
		fmt.Fprintf(&sb, "More runs available; pass cursor %q for the next page.\n", resp.NextCursor)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// short abbreviates a hex hash for display.
func short(h string) string {
	if len(h) <= 12 {
		return h
	}
	return h[:12] + "…"
}

// formatJSON pretty-prints raw JSON, returning it unchanged if it doesn't parse.
func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch n := v.(type) {
			case float64:
				return n, true
			case int:
				return float64(n), true
			}
		}
	}
	return 0, false
}

// getObject returns the named argument when it is a JSON object.
func getObject(m map[string]any, key string) map[string]any {
	if obj, ok := m[key].(map[string]any); ok {
		return obj
	}
	return nil
}
