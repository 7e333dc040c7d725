// Package mcpserver exposes research-flow to AI agents over the Model Context
// Protocol.
package mcpserver

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/colaisr/research-flow-sub000/pkg/config"
)

// Handlers carries the configuration the tool handlers run with.
type Handlers struct {
	Config *config.Config // nil uses config.Default()
	Logger *slog.Logger
}

// NewServer creates an MCP server with the rflow tools registered.
func NewServer(version string, h *Handlers) *server.MCPServer {
	if h == nil {
		h = &Handlers{}
	}
	s := server.NewMCPServer(
		"research-flow",
		version,
		server.WithToolCapabilities(true),
	)

	s.AddTool(
		mcp.NewTool("rflow/validate",
			mcp.WithDescription("Validate a research-flow pipeline or tool registry file"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Path to the pipeline or tools YAML/JSON file")),
			mcp.WithString("kind", mcp.Description("pipeline or tools; guessed from the file name when omitted")),
		),
		h.HandleValidate,
	)

	s.AddTool(
		mcp.NewTool("rflow/schema",
			mcp.WithDescription("Export the research-flow JSON Schema (pipeline or tool)"),
			mcp.WithString("type", mcp.Required(), mcp.Description("Schema type: 'pipeline' or 'tool'")),
		),
		h.HandleSchema,
	)

	s.AddTool(
		mcp.NewTool("rflow/exec",
			mcp.WithDescription("Run a pipeline for one instrument (mock model provider unless told otherwise)"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Path to the pipeline file")),
			mcp.WithString("instrument", mcp.Required(), mcp.Description("Instrument, e.g. BTC/USDT")),
			mcp.WithString("timeframe", mcp.Required(), mcp.Description("Timeframe: M1, M5, M15, M30, H1, H4 or D1")),
			mcp.WithString("provider", mcp.Description("Model provider: mock (default), openai or gemini")),
			mcp.WithString("market", mcp.Description("Market data source: binance or synthetic")),
		),
		h.HandleExec,
	)

	s.AddTool(
		mcp.NewTool("rflow/runs",
			mcp.WithDescription("List recent runs, or show one run's step results"),
			mcp.WithString("id", mcp.Description("Run id; omit to list")),
			mcp.WithNumber("limit", mcp.Description("Maximum runs to list (default 20)")),
		),
		h.HandleRuns,
	)

	return s
}
