package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ollamaCore is the HTTP plumbing shared by the Ollama chat and embedding
// clients. No request timeout: extraction calls on large page batches can
// legitimately run for minutes; callers bound them through context.
type ollamaCore struct {
	baseURL    string
	httpClient *http.Client
}

func newOllamaCore(baseURL string) ollamaCore {
	return ollamaCore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 0},
	}
}

func (c *ollamaCore) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return newAPIError("ollama", resp.StatusCode, respBody)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// OllamaLLM chats with a local Ollama instance over its native HTTP API.
type OllamaLLM struct {
	core  ollamaCore
	model string
}

// NewOllamaLLM creates a chat client bound to the given model.
func NewOllamaLLM(baseURL, model string) *OllamaLLM {
	return &OllamaLLM{core: newOllamaCore(baseURL), model: model}
}

// ollamaChatRequest is the JSON body for POST /api/chat.
type ollamaChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Format   any       `json:"format,omitempty"`
}

// ollamaChatResponse is the JSON returned by POST /api/chat (non-streaming).
type ollamaChatResponse struct {
	Message         Message `json:"message"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
}

// Chat sends messages to the bound model and returns the assistant's
// response. When schema is non-nil it is passed as the format constraint so
// Ollama enforces the structure server-side.
func (l *OllamaLLM) Chat(ctx context.Context, messages []Message, schema *Schema) (*ChatResult, error) {
	cr := ollamaChatRequest{
		Model:    l.model,
		Messages: messages,
		Stream:   false,
	}
	if schema != nil {
		cr.Format = schema
	}

	var result ollamaChatResponse
	if err := l.core.post(ctx, "/api/chat", cr, &result); err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}

	return &ChatResult{
		Content: result.Message.Content,
		Usage: TokenUsage{
			Input:  result.PromptEvalCount,
			Output: result.EvalCount,
			Total:  result.PromptEvalCount + result.EvalCount,
		},
	}, nil
}

// OllamaEmbedder embeds text through a local Ollama instance.
type OllamaEmbedder struct {
	core      ollamaCore
	model     string
	dimension int
}

// NewOllamaEmbedder creates an embedding client bound to the given model.
func NewOllamaEmbedder(baseURL, model string, dimension int) *OllamaEmbedder {
	return &OllamaEmbedder{core: newOllamaCore(baseURL), model: model, dimension: dimension}
}

// ollamaEmbedRequest is the JSON body for POST /api/embed.
type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// ollamaEmbedResponse is the JSON returned by POST /api/embed.
type ollamaEmbedResponse struct {
	Embeddings      [][]float32 `json:"embeddings"`
	PromptEvalCount int         `json:"prompt_eval_count"`
}

// Embed returns the embedding vector for a single text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string, task Task) ([]float32, error) {
	result, err := e.EmbedBatch(ctx, []string{text}, task)
	if err != nil {
		return nil, err
	}
	return result.Vectors[0], nil
}

// EmbedBatch embeds all texts in one call, preserving input order.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string, task Task) (*EmbedResult, error) {
	input := make([]string, len(texts))
	prefix := e.taskPrefix(task)
	for i, t := range texts {
		input[i] = prefix + t
	}

	var result ollamaEmbedResponse
	if err := e.core.post(ctx, "/api/embed", ollamaEmbedRequest{Model: e.model, Input: input}, &result); err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed: got %d embeddings for %d inputs", len(result.Embeddings), len(texts))
	}

	return &EmbedResult{
		Vectors: result.Embeddings,
		Usage:   TokenUsage{Input: result.PromptEvalCount, Total: result.PromptEvalCount},
	}, nil
}

// Dimension returns the configured vector length.
func (e *OllamaEmbedder) Dimension() int {
	return e.dimension
}

// taskPrefix returns the retrieval-task prefix for models of the nomic
// family, which encode the task in the input text rather than a parameter.
func (e *OllamaEmbedder) taskPrefix(task Task) string {
	if !strings.Contains(e.model, "nomic") {
		return ""
	}
	if task == TaskQuery {
		return "search_query: "
	}
	return "search_document: "
}
