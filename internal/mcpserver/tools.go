package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the genmeter MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListServices = mcp.NewTool("list_services",
	mcp.WithDescription(
		"List the generation services this gateway offers with their credit cost per request. "+
			"Some models cost more, need a minimum account tier, or can only be paid with purchased credits."),
	mcp.WithString("service_type",
		mcp.Description("Only show prices for this service type (e.g. 'text', 'image')")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check your credit balance. Credits come from three buckets: the tier grant that refills "+
			"every period, crypto deposits, and purchased packs. Tier credits are spent first."),
)

var ToolGenerate = mcp.NewTool("generate",
	mcp.WithDescription(
		"Run a generation (text, image, audio, video) on the gateway's worker pool. "+
			"Identical requests are served from cache for free. Requests from one client are "+
			"paced, so a call can wait in a queue before it runs."),
	mcp.WithString("service_type",
		mcp.Required(),
		mcp.Description("Service to run (e.g. 'text', 'image'). Use list_services to see what exists.")),
	mcp.WithObject("params",
		mcp.Description("Parameters for the worker, e.g. {\"prompt\": \"a red fox\", \"model\": \"sdxl\"}. "+
			"The 'model' key selects a priced model.")),
)

var ToolListGenerations = mcp.NewTool("list_generations",
	mcp.WithDescription(
		"List your most recent generation requests with their cost, cache status, and outcome."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of requests to return (default 20)")),
)
