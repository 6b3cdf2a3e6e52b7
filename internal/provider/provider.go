// Package provider holds the clients for the external AI services docdex
// depends on: chat models for extraction and enrichment, embedding models
// for indexing and querying, and hosted rerank endpoints. The rest of the
// system works against the LLM and Embedder interfaces; concrete clients
// are selected through the factory functions and bound to a model at
// construction time.
package provider

import "context"

// Chat message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat turn sent to an LLM provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema describes the expected JSON output structure for structured chat
// responses. Providers with native structured output receive it verbatim;
// for the rest it only switches the call into JSON mode, so prompts must
// describe the shape as well.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties,omitempty"`
	Items      *Schema                   `json:"items,omitempty"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty describes a single field within a Schema.
type SchemaProperty struct {
	Type        string  `json:"type"`
	Description string  `json:"description,omitempty"`
	Items       *Schema `json:"items,omitempty"`
}

// TokenUsage reports the token counts a provider consumed for one call.
// Providers that do not report usage fill it with EstimateTokens values.
type TokenUsage struct {
	Input  int
	Output int
	Total  int
}

// ChatResult is the assistant reply plus the usage the call consumed.
type ChatResult struct {
	Content string
	Usage   TokenUsage
}

// LLM is a chat-capable model bound to a provider and model name.
type LLM interface {
	// Chat sends the conversation and returns the assistant's reply. A
	// non-nil schema requests structured JSON output.
	Chat(ctx context.Context, messages []Message, schema *Schema) (*ChatResult, error)
}

// Task tells the embedder whether the text is stored content or a search
// query. Asymmetric models embed the two differently.
type Task string

// Embedding tasks.
const (
	TaskDocument Task = "document"
	TaskQuery    Task = "query"
)

// EmbedResult holds the vectors for a batch embedding call, in input order.
type EmbedResult struct {
	Vectors [][]float32
	Usage   TokenUsage
}

// Embedder turns text into fixed-dimension vectors.
type Embedder interface {
	// Embed returns the vector for a single text.
	Embed(ctx context.Context, text string, task Task) ([]float32, error)

	// EmbedBatch embeds texts in one provider call where the API allows it.
	EmbedBatch(ctx context.Context, texts []string, task Task) (*EmbedResult, error)

	// Dimension is the vector length this embedder produces.
	Dimension() int
}

// EstimateTokens approximates the token count of text for providers that do
// not report usage. The 4-chars-per-token heuristic is close enough for
// budget accounting on English prose.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

func estimateUsage(inputs []string, output string) TokenUsage {
	var in int
	for _, t := range inputs {
		in += EstimateTokens(t)
	}
	out := EstimateTokens(output)
	return TokenUsage{Input: in, Output: out, Total: in + out}
}
