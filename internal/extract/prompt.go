package extract

import (
	"fmt"
	"strings"

	"github.com/kalambet/docdex/internal/provider"
)

const structuredSystemPrompt = `You are a document extraction engine. Split the provided pages into retrieval-ready chunks. Your output must be ONLY a single valid JSON object of the form {"chunks": [...]} conforming to the provided schema. Do not include any other text, prose, or markdown.

Chunk types: text, heading, table, list, figure, code. Use sub_type for a finer label when one applies (paragraph, section_header, chart, code_block, ...).

Rules:
- Preserve the source wording. Never summarize or paraphrase content.
- Emit each table as a single chunk with its content rendered as a markdown table.
- Emit each figure as a chunk whose content describes what the figure shows.
- "page" is the 1-based page a chunk starts on; pages are delimited by "--- Page N ---" lines in the input.
- "confidence" is your certainty in the chunk's type and boundaries, from 0 to 1.
- Skip page furniture: running headers, footers, bare page numbers.`

const freeTextSystemPrompt = `You are a document extraction engine. Split the provided pages into retrieval-ready chunks. Wrap every chunk in markers, one pair per chunk:

[[chunk type="text" page="3" confidence="0.9"]]
the chunk content
[[/chunk]]

Chunk types: text, heading, table, list, figure, code.

Rules:
- Preserve the source wording. Never summarize or paraphrase content.
- Emit each table as a single chunk with its content rendered as a markdown table.
- "page" is the 1-based page a chunk starts on; pages are delimited by "--- Page N ---" lines in the input.
- "confidence" is your certainty in the chunk's type and boundaries, from 0 to 1.
- Skip page furniture: running headers, footers, bare page numbers.
- Output nothing outside the markers.`

// Request describes one page-range extraction call.
type Request struct {
	DocType       string
	Filename      string
	PageStart     int
	PageEnd       int
	Text          string
	Instructions  string
	ChunkStrategy string
}

func userMessage(req Request) provider.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Document type: %s\n", req.DocType)
	if req.Filename != "" {
		fmt.Fprintf(&sb, "Filename: %s\n", req.Filename)
	}
	if req.ChunkStrategy != "" {
		fmt.Fprintf(&sb, "Chunking strategy: %s\n", req.ChunkStrategy)
	}
	if req.Instructions != "" {
		fmt.Fprintf(&sb, "\n[Extraction instructions]\n%s\n", req.Instructions)
	}
	fmt.Fprintf(&sb, "\nPages %d-%d:\n\n%s", req.PageStart, req.PageEnd, req.Text)

	return provider.Message{Role: provider.RoleUser, Content: sb.String()}
}

// BuildStructuredMessages constructs the chat messages for the
// schema-constrained extraction tier.
func BuildStructuredMessages(req Request) []provider.Message {
	return []provider.Message{
		{Role: provider.RoleSystem, Content: structuredSystemPrompt},
		userMessage(req),
	}
}

// BuildFreeTextMessages constructs the chat messages for the marker-based
// fallback tier.
func BuildFreeTextMessages(req Request) []provider.Message {
	return []provider.Message{
		{Role: provider.RoleSystem, Content: freeTextSystemPrompt},
		userMessage(req),
	}
}

// ChunkSchema returns the JSON schema for structured extraction output.
func ChunkSchema() *provider.Schema {
	return &provider.Schema{
		Type: "object",
		Properties: map[string]provider.SchemaProperty{
			"chunks": {
				Type:        "array",
				Description: "Extracted chunks in reading order",
				Items: &provider.Schema{
					Type: "object",
					Properties: map[string]provider.SchemaProperty{
						"type":       {Type: "string", Description: "One of: text, heading, table, list, figure, code"},
						"sub_type":   {Type: "string", Description: "Optional finer-grained label"},
						"page":       {Type: "integer", Description: "1-based page the chunk starts on"},
						"confidence": {Type: "number", Description: "Extraction confidence from 0 to 1"},
						"content":    {Type: "string", Description: "Chunk content, wording preserved"},
					},
					Required: []string{"type", "page", "confidence", "content"},
				},
			},
		},
		Required: []string{"chunks"},
	}
}
