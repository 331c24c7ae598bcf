package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/genmeter/internal/ledger"
)

// maxInlineText bounds how much of a generated text result is echoed back.
const maxInlineText = 16 * 1024

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleListServices shows the price list.
func (h *Handlers) HandleListServices(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prices, err := h.client.ListServices(ctx, req.GetString("service_type", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list services: %v", err)), nil
	}
	if len(prices) == 0 {
		return mcp.NewToolResultText("No services found."), nil
	}

	var sb strings.Builder
	sb.WriteString("Service prices (credits per request):\n")
	for _, p := range prices {
		name := p.ServiceType
		if p.Model != "" {
			name += " / " + p.Model
		}
		fmt.Fprintf(&sb, "  %-24s %d", name, p.Cost)
		var notes []string
		if p.PaidOnly {
			notes = append(notes, "paid credits only")
		}
		if p.MinTier != "" {
			notes = append(notes, "tier "+p.MinTier+"+")
		}
		if len(notes) > 0 {
			fmt.Fprintf(&sb, "  (%s)", strings.Join(notes, ", "))
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCheckBalance shows the caller's buckets.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	acct, err := h.client.GetBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Account %s (%s tier)\n", acct.ID, acct.Tier)
	writeBalances(&sb, acct.Balances)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGenerate runs one generation through the gateway.
func (h *Handlers) HandleGenerate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serviceType := req.GetString("service_type", "")
	if serviceType == "" {
		return mcp.NewToolResultError("service_type is required"), nil
	}
	params := map[string]any{}
	if raw, ok := req.GetArguments()["params"].(map[string]any); ok {
		params = raw
	}

	g, err := h.client.Generate(ctx, serviceType, params)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Generation failed: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Cache: %s\n", g.Cache)
	fmt.Fprintf(&sb, "Cost: %d credits\n", g.Charged)
	if g.Worker != "" {
		fmt.Fprintf(&sb, "Worker: %s\n", g.Worker)
	}
	if g.Balances != nil {
		writeBalances(&sb, *g.Balances)
	}

	ct := strings.ToLower(g.ContentType)
	if strings.HasPrefix(ct, "image/") {
		var data string
		if err := json.Unmarshal(g.Result, &data); err == nil {
			return mcp.NewToolResultImage(sb.String(), data, g.ContentType), nil
		}
	}

	sb.WriteString("\nResult:\n")
	sb.WriteString(formatResult(ct, g.Result))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListGenerations lists recent requests.
func (h *Handlers) HandleListGenerations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)
	logs, err := h.client.ListGenerations(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list generations: %v", err)), nil
	}
	if len(logs) == 0 {
		return mcp.NewToolResultText("No generations yet."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d recent generation(s):\n\n", len(logs))
	for i, l := range logs {
		name := l.ServiceType
		if l.Model != "" {
			name += "/" + l.Model
		}
		fmt.Fprintf(&sb, "%d. %s  %s  %s  %d credits  %dms  %s\n",
			i+1, l.CreatedAt.Format("2006-01-02 15:04:05"), name, l.Cache, l.Charged, l.LatencyMs, l.Status)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func writeBalances(sb *strings.Builder, b ledger.Balances) {
	fmt.Fprintf(sb, "Balance: %d credits\n", b.Total())
	fmt.Fprintf(sb, "  Tier:   %d\n", b.Tier)
	fmt.Fprintf(sb, "  Crypto: %d\n", b.Crypto)
	fmt.Fprintf(sb, "  Pack:   %d\n", b.Pack)
}

// formatResult renders a result for the model: JSON indented, text as-is,
// anything else summarized.
func formatResult(contentType string, raw json.RawMessage) string {
	switch {
	case strings.HasPrefix(contentType, "application/json"):
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, raw, "", "  "); err == nil {
			return truncate(pretty.String())
		}
	case strings.HasPrefix(contentType, "text/"):
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return truncate(s)
		}
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		return fmt.Sprintf("[%s, %d bytes base64]", contentType, len(encoded))
	}
	return truncate(string(raw))
}

func truncate(s string) string {
	if len(s) <= maxInlineText {
		return s
	}
	return s[:maxInlineText] + "\n... (truncated)"
}
