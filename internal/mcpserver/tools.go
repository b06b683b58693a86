package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the sandbox MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolEvaluateIntent = mcp.NewTool("evaluate_intent",
	mcp.WithDescription(
		"Submit a simulated payment intent to the governance sandbox. "+
			"Returns the governed decision (ALLOW, STEP_UP or DENY) next to the ungoverned baseline, "+
			"the reasons behind it, the economic impact and the audit event reference. "+
			"Nothing is executed: every run is a simulation."),
	mcp.WithNumber("amount_usd",
		mcp.Required(),
		mcp.Description("Intent amount in USD. Must be zero or more.")),
	mcp.WithObject("scenario",
		mcp.Description("Scenario flags, e.g. {\"new_recipient\": true, \"high_velocity\": true, \"is_attack\": true}. "+
			"Hard-fail flags: replay_attempt, ttl_expired, exec_hash_mismatch, poison_stats.")),
	mcp.WithObject("execution",
		mcp.Description("Execution parameters to hash and compare, e.g. {\"to\": \"0xabc\", \"amount\": 100}. "+
			"Combine with scenario.contract_param_tamper to simulate tampering.")),
	mcp.WithObject("attributes",
		mcp.Description("Extra intent attributes recorded with the run (recipient, memo, ...)")),
)

var ToolGetDashboard = mcp.NewTool("get_dashboard",
	mcp.WithDescription(
		"Get the sandbox running totals: attempted value, prevented loss, friction, "+
			"false positive cost, net security value and decision counts."),
)

var ToolGetRun = mcp.NewTool("get_run",
	mcp.WithDescription("Fetch one stored run by id, including its evaluation and policy reference."),
	mcp.WithString("run_id",
		mcp.Required(),
		mcp.Description("Run id (UUID) returned by evaluate_intent")),
)

var ToolListRuns = mcp.NewTool("list_runs",
	mcp.WithDescription("List the most recent runs, newest first. Long listings are paged with a cursor."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of runs to return (default 50)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous list_runs call to fetch the next page")),
)

var ToolVerifyRunAudit = mcp.NewTool("verify_run_audit",
	mcp.WithDescription(
		"Replay a run's hash-chained audit trail and report whether every event still matches. "+
			"A broken chain names the first event that no longer verifies."),
	mcp.WithString("run_id",
		mcp.Required(),
		mcp.Description("Run id (UUID) to verify")),
)

var ToolGetPolicy = mcp.NewTool("get_policy",
	mcp.WithDescription("Show the active governance policy with its id, version and hash."),
)
