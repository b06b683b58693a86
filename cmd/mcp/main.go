// CryptoCardia MCP server - exposes the sandbox API as MCP tools for LLMs
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/cryptocardia/sandbox/internal/logging"
	"github.com/cryptocardia/sandbox/internal/mcpserver"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	_ = godotenv.Load()

	// stdout carries the MCP protocol; logs go to stderr.
	logger := logging.NewWithWriter(os.Stderr, envOrDefault("LOG_LEVEL", "info"), "text")

	cfg := mcpserver.Config{
		APIURL: envOrDefault("CRYPTOCARDIA_API_URL", "http://localhost:4001"),
	}
	logger.Info("starting mcp server", "api_url", cfg.APIURL, "version", Version)

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		logger.Error("mcp server error", "error", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
