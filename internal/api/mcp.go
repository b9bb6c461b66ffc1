package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/avenna/biolit/internal/chat"
	"github.com/avenna/biolit/internal/engine"
	"github.com/avenna/biolit/internal/retrieval"
	"github.com/avenna/biolit/internal/session"
)

// MCPDeps holds dependencies for the MCP server. The server speaks stdio for
// a single caller, so it operates on one dedicated session.
type MCPDeps struct {
	Session  *session.Session
	Chat     *chat.Orchestrator
	Provider engine.Provider
	TopK     int
}

// NewMCPServer creates an MCP server exposing collection search and chat over
// the bound session.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"biolit",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("biolit — retrieval and structured extraction over uploaded scientific document collections."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_collection",
			mcp.WithDescription("Semantically search the active document collection and return relevant text chunks."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("collection", mcp.Description("Collection id to activate before searching")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchCollection(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_collection",
			mcp.WithDescription("Ask a question about the active document collection and get a grounded answer."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithString("model", mcp.Description("Chat model override")),
		),
		mcpAskCollection(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"collections://list",
			"Document Collections",
			mcp.WithResourceDescription("The session's document collections as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceCollections(deps),
	)

	return s
}

func mcpSearchCollection(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		if err := deps.Session.Initialize(); err != nil {
			return mcpError(fmt.Sprintf("session not ready: %v", err)), nil
		}
		if collection := req.GetString("collection", ""); collection != "" {
			if err := deps.Session.SetActive(collection); err != nil {
				return mcpError(fmt.Sprintf("failed to activate collection: %v", err)), nil
			}
		}

		b, err := deps.Session.EnsureBinding()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to open collection: %v", err)), nil
		}
		defer b.Release()

		searcher := retrieval.NewSearcher(retrieval.NewEmbedder(deps.Provider, b.EmbedModel))
		chunks, err := searcher.Search(ctx, b.Index, query, limit, "")
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(chunks) == 0 {
			return mcpText("[]"), nil
		}

		type chunkResult struct {
			ID     string  `json:"id"`
			Source string  `json:"source"`
			Text   string  `json:"text"`
			Score  float32 `json:"score"`
		}
		results := make([]chunkResult, len(chunks))
		for i, c := range chunks {
			results[i] = chunkResult{ID: c.ID, Source: c.Source, Text: c.Text, Score: c.Score}
		}

		b2, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b2)), nil
	}
}

func mcpAskCollection(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		res, err := deps.Chat.Respond(ctx, deps.Session, question, req.GetString("model", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("chat failed: %v", err)), nil
		}
		return mcpText(res.Answer), nil
	}
}

func mcpResourceCollections(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if err := deps.Session.Initialize(); err != nil {
			return nil, fmt.Errorf("session not ready: %w", err)
		}

		b, err := json.Marshal(deps.Session.Collections())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal collections: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
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
