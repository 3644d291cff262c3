// Package mcp implements the Model Context Protocol server for shikumi.
//
// The MCP server exposes orchestration, the approval queue and the audit
// trail through MCP tools, resources and prompts, so MCP-compatible agents
// can drive the kernel without the HTTP API.
package mcp

import (
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/shikumi/internal/audit"
	"github.com/ashita-ai/shikumi/internal/coordinator"
)

// Server wraps the MCP server with the coordinator and audit trail.
type Server struct {
	mcpServer *mcpserver.MCPServer
	coord     *coordinator.Coordinator
	trail     *audit.Trail
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and
// prompts.
func New(coord *coordinator.Coordinator, trail *audit.Trail, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}
	s := &Server{
		coord:  coord,
		trail:  trail,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"shikumi",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

// jsonResult renders v as indented JSON text content.
func jsonResult(v any, isError bool) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
		IsError: isError,
	}, nil
}
