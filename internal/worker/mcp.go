package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/yumeko-ai/yumeko/internal/history"
	"github.com/yumeko-ai/yumeko/internal/retrieval"
)

// MCPDeps holds dependencies for the worker's MCP tool server.
type MCPDeps struct {
	Knowledge *retrieval.Retriever
	Store     *history.Store
	TopK      int
}

// NewMCPServer exposes the worker's retrieval and history as MCP tools
// so external agents can query the same knowledge the persona answers
// from.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"yumeko",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("yumeko — persona chat worker exposing its knowledge base and conversation history."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("recall_knowledge",
			mcp.WithDescription("Semantically search the persona's knowledge base and return the closest entries."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results")),
		),
		mcpRecallKnowledge(deps),
	)

	s.AddTool(
		mcp.NewTool("recent_history",
			mcp.WithDescription("Return the merged conversation history, oldest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of turns, newest kept (default 50)")),
		),
		mcpRecentHistory(deps),
	)

	return s
}

func mcpRecallKnowledge(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", deps.TopK)
		if limit <= 0 {
			limit = deps.TopK
		}

		hits, err := deps.Knowledge.Search(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		out := make([]map[string]any, len(hits))
		for i, h := range hits {
			out[i] = map[string]any{
				"text":     h.Text,
				"distance": h.Distance,
			}
		}
		b, err := json.Marshal(map[string]any{"results": out})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRecentHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 50)
		if limit <= 0 {
			limit = 50
		}

		turns, err := deps.Store.ReadAll()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read history: %v", err)), nil
		}
		if len(turns) > limit {
			turns = turns[len(turns)-limit:]
		}

		b, err := json.Marshal(map[string]any{"history": turns})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal history: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
