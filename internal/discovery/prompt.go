package discovery

import (
	"fmt"
	"strings"

	"github.com/kalambet/docdex/internal/provider"
)

const systemPrompt = `You are a document analysis engine. You are shown sample pages from a document. Draft an extraction configuration for documents of this kind. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Fields:
- "doc_type": a short snake_case identifier for this kind of document (for example "financial_report" or "legal_contract").
- "display_name": a human-readable name for the document type.
- "instructions": extraction instructions for splitting documents of this kind into retrieval chunks: what structure to preserve, what belongs together, what to skip.
- "chunk_strategy": a one-line name for the chunking approach (for example "by_section" or "by_clause").

Rules:
- Ground the instructions in the structure you actually see in the sample.
- Keep instructions under 150 words, imperative voice.
- Never copy content from the sample into the instructions.`

// BuildPrompt constructs the chat messages for a discovery call.
func BuildPrompt(filename, sample string) []provider.Message {
	var sb strings.Builder
	if filename != "" {
		fmt.Fprintf(&sb, "Filename: %s\n\n", filename)
	}
	fmt.Fprintf(&sb, "Sample pages:\n\n%s", sample)

	return []provider.Message{
		{Role: provider.RoleSystem, Content: systemPrompt},
		{Role: provider.RoleUser, Content: sb.String()},
	}
}

// proposalSchema returns the JSON schema for structured proposal output.
func proposalSchema() *provider.Schema {
	return &provider.Schema{
		Type: "object",
		Properties: map[string]provider.SchemaProperty{
			"doc_type":       {Type: "string", Description: "Short snake_case document type identifier"},
			"display_name":   {Type: "string", Description: "Human-readable document type name"},
			"instructions":   {Type: "string", Description: "Extraction instructions for this document type"},
			"chunk_strategy": {Type: "string", Description: "One-line chunking approach name"},
		},
		Required: []string{"doc_type", "display_name", "instructions", "chunk_strategy"},
	}
}
