// Genmeter MCP server. Exposes the generation gateway as MCP tools over stdio.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/genmeter/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL: envOrDefault("GENMETER_API_URL", "http://localhost:8080"),
		APIKey: os.Getenv("GENMETER_API_KEY"),
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "GENMETER_API_KEY is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
