package provider

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAILLM chats with an OpenAI-compatible endpoint through langchaingo.
// Structured output is requested via JSON mode; the schema itself travels in
// the prompt.
type OpenAILLM struct {
	llm *openai.LLM
}

// NewOpenAILLM creates a chat client bound to the given model. baseURL may
// be empty for the hosted API.
func NewOpenAILLM(baseURL, apiKey, model string) (*OpenAILLM, error) {
	opts := []openai.Option{openai.WithModel(model)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	if apiKey != "" {
		opts = append(opts, openai.WithToken(apiKey))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	return &OpenAILLM{llm: client}, nil
}

// Chat sends messages and returns the assistant's response. Temperature is
// pinned to zero: extraction must be repeatable.
func (l *OpenAILLM) Chat(ctx context.Context, messages []Message, schema *Schema) (*ChatResult, error) {
	content := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		role := llms.ChatMessageTypeHuman
		switch m.Role {
		case RoleSystem:
			role = llms.ChatMessageTypeSystem
		case RoleAssistant:
			role = llms.ChatMessageTypeAI
		}
		content = append(content, llms.TextParts(role, m.Content))
	}

	opts := []llms.CallOption{llms.WithTemperature(0.0)}
	if schema != nil {
		opts = append(opts, llms.WithJSONMode())
	}

	resp, err := l.llm.GenerateContent(ctx, content, opts...)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: empty response")
	}

	choice := resp.Choices[0]
	return &ChatResult{
		Content: choice.Content,
		Usage:   usageFromGenerationInfo(choice.GenerationInfo, messages, choice.Content),
	}, nil
}

// usageFromGenerationInfo reads the token counts langchaingo surfaces for
// OpenAI responses, falling back to an estimate when absent.
func usageFromGenerationInfo(info map[string]any, messages []Message, output string) TokenUsage {
	in := intFromAny(info["PromptTokens"])
	out := intFromAny(info["CompletionTokens"])
	total := intFromAny(info["TotalTokens"])

	if in == 0 && out == 0 {
		inputs := make([]string, len(messages))
		for i, m := range messages {
			inputs[i] = m.Content
		}
		return estimateUsage(inputs, output)
	}
	if total == 0 {
		total = in + out
	}
	return TokenUsage{Input: in, Output: out, Total: total}
}

func intFromAny(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// OpenAIEmbedder embeds text through an OpenAI-compatible embeddings
// endpoint via langchaingo.
type OpenAIEmbedder struct {
	embedder  embeddings.Embedder
	dimension int
}

// NewOpenAIEmbedder creates an embedding client bound to the given model.
func NewOpenAIEmbedder(baseURL, apiKey, model string, dimension int) (*OpenAIEmbedder, error) {
	opts := []openai.Option{openai.WithEmbeddingModel(model)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	if apiKey != "" {
		opts = append(opts, openai.WithToken(apiKey))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return &OpenAIEmbedder{embedder: embedder, dimension: dimension}, nil
}

// Embed returns the embedding vector for a single text. OpenAI embedding
// models are symmetric, so the task only selects the langchaingo call path.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string, task Task) ([]float32, error) {
	if task == TaskQuery {
		vec, err := e.embedder.EmbedQuery(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embedding query: %w", err)
		}
		return vec, nil
	}

	result, err := e.EmbedBatch(ctx, []string{text}, task)
	if err != nil {
		return nil, err
	}
	return result.Vectors[0], nil
}

// EmbedBatch embeds all texts in one call, preserving input order.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string, _ Task) (*EmbedResult, error) {
	vectors, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding documents: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedding documents: got %d vectors for %d inputs", len(vectors), len(texts))
	}

	// langchaingo does not surface embedding usage.
	return &EmbedResult{Vectors: vectors, Usage: estimateUsage(texts, "")}, nil
}

// Dimension returns the configured vector length.
func (e *OpenAIEmbedder) Dimension() int {
	return e.dimension
}
