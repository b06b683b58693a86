package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all sandbox tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("cryptocardia-sandbox", version)
	h := NewHandlers(NewSandboxClient(cfg))

	s.AddTool(ToolEvaluateIntent, h.HandleEvaluateIntent)
	s.AddTool(ToolGetDashboard, h.HandleGetDashboard)
	s.AddTool(ToolGetRun, h.HandleGetRun)
	s.AddTool(ToolListRuns, h.HandleListRuns)
	s.AddTool(ToolVerifyRunAudit, h.HandleVerifyRunAudit)
	s.AddTool(ToolGetPolicy, h.HandleGetPolicy)

	return s
}
