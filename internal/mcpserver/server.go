package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "1.0.0"

// NewMCPServer creates a configured MCP server with all genmeter tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("genmeter", Version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolListServices, h.HandleListServices)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolGenerate, h.HandleGenerate)
	s.AddTool(ToolListGenerations, h.HandleListGenerations)

	return s
}
