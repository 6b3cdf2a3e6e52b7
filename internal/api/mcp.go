package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/docdex/internal/retrieval"
	"github.com/kalambet/docdex/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Searcher Searcher
}

// NewMCPServer creates an MCP server exposing the document index to
// model clients over stdio.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"docdex",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("docdex — searchable index over ingested PDF documents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_chunks",
			mcp.WithDescription("Search the document index and return relevant chunks with scores."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("mode", mcp.Description("Search mode: semantic, keyword, or hybrid (default)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchChunks(deps),
	)

	s.AddTool(
		mcp.NewTool("get_document",
			mcp.WithDescription("Fetch one document's metadata, processing status, and chunk count."),
			mcp.WithString("document_id", mcp.Description("Document ID"), mcp.Required()),
		),
		mcpGetDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("list_documents",
			mcp.WithDescription("List ingested documents, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of documents (default 20)")),
		),
		mcpListDocuments(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"docdex://documents",
			"Ingested Documents",
			mcp.WithResourceDescription("Recently ingested documents as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceDocuments(deps),
	)

	return s
}

func mcpSearchChunks(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		mode := req.GetString("mode", "")
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		resp, err := deps.Searcher.Search(ctx, query, retrieval.Options{Mode: mode, Limit: limit})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		if len(resp.Results) == 0 {
			return mcpText("[]"), nil
		}

		type chunkResult struct {
			ID          string  `json:"id"`
			DocumentID  string  `json:"document_id"`
			PageStart   int     `json:"page_start"`
			PageEnd     int     `json:"page_end"`
			Type        string  `json:"type"`
			Content     string  `json:"content"`
			Context     string  `json:"context,omitempty"`
			Score       float64 `json:"score"`
			Explanation string  `json:"explanation"`
		}

		results := make([]chunkResult, len(resp.Results))
		for i, res := range resp.Results {
			results[i] = chunkResult{
				ID:          res.Chunk.ID,
				DocumentID:  res.Chunk.DocumentID,
				PageStart:   res.Chunk.PageStart,
				PageEnd:     res.Chunk.PageEnd,
				Type:        res.Chunk.ChunkType,
				Content:     res.Chunk.DisplayContent,
				Context:     res.Chunk.ContextText,
				Score:       res.Score,
				Explanation: res.Explanation,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpGetDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("document_id")
		if err != nil {
			return mcpError("document_id is required"), nil
		}

		doc, err := deps.Store.GetDocument(id)
		if err != nil {
			return mcpError(fmt.Sprintf("document %s not found", id)), nil
		}

		chunkCount, err := deps.Store.CountDocumentChunks(id)
		if err != nil {
			return mcpError(fmt.Sprintf("counting chunks: %v", err)), nil
		}

		out := struct {
			documentJSON
			ChunkCount int `json:"chunk_count"`
		}{toDocumentJSON(doc), chunkCount}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal document: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpListDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		docs, err := deps.Store.ListDocuments(limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing documents: %v", err)), nil
		}

		if len(docs) == 0 {
			return mcpText("[]"), nil
		}

		out := make([]documentJSON, len(docs))
		for i, d := range docs {
			out[i] = toDocumentJSON(d)
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal documents: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpResourceDocuments(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		docs, err := deps.Store.ListDocuments(10)
		if err != nil {
			return nil, fmt.Errorf("listing documents: %w", err)
		}

		type docSummary struct {
			ID        string `json:"id"`
			Filename  string `json:"filename"`
			DocType   string `json:"doc_type"`
			Status    string `json:"status"`
			PageCount int    `json:"page_count"`
			CreatedAt string `json:"created_at"`
		}

		summaries := make([]docSummary, len(docs))
		for i, d := range docs {
			summaries[i] = docSummary{
				ID:        d.ID,
				Filename:  d.Filename,
				DocType:   d.DocType,
				Status:    d.Status,
				PageCount: d.PageCount,
				CreatedAt: d.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("marshaling documents: %w", err)
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
