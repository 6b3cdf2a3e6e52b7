package provider

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiEmbedder embeds text through Google's Generative Language API. The
// API binds the retrieval task type to the model handle rather than the
// request, so the client keeps one handle per task.
type GeminiEmbedder struct {
	client     *genai.Client
	docModel   *genai.EmbeddingModel
	queryModel *genai.EmbeddingModel
	dimension  int
}

// NewGeminiEmbedder creates an embedding client bound to the given model.
// Close must be called when the embedder is no longer needed.
func NewGeminiEmbedder(ctx context.Context, apiKey, model string, dimension int) (*GeminiEmbedder, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	docModel := client.EmbeddingModel(model)
	docModel.TaskType = genai.TaskTypeRetrievalDocument
	queryModel := client.EmbeddingModel(model)
	queryModel.TaskType = genai.TaskTypeRetrievalQuery

	return &GeminiEmbedder{
		client:     client,
		docModel:   docModel,
		queryModel: queryModel,
		dimension:  dimension,
	}, nil
}

func (e *GeminiEmbedder) handle(task Task) *genai.EmbeddingModel {
	if task == TaskQuery {
		return e.queryModel
	}
	return e.docModel
}

// Embed returns the embedding vector for a single text.
func (e *GeminiEmbedder) Embed(ctx context.Context, text string, task Task) ([]float32, error) {
	resp, err := e.handle(task).EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if resp.Embedding == nil || len(resp.Embedding.Values) == 0 {
		return nil, fmt.Errorf("gemini embed: empty embedding")
	}
	return resp.Embedding.Values, nil
}

// EmbedBatch embeds all texts in one batched call, preserving input order.
func (e *GeminiEmbedder) EmbedBatch(ctx context.Context, texts []string, task Task) (*EmbedResult, error) {
	m := e.handle(task)
	batch := m.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	resp, err := m.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("gemini batch embed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini batch embed: got %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, fmt.Errorf("gemini batch embed: empty embedding at index %d", i)
		}
		vectors[i] = emb.Values
	}

	// The embedding API does not report usage.
	return &EmbedResult{Vectors: vectors, Usage: estimateUsage(texts, "")}, nil
}

// Dimension returns the configured vector length.
func (e *GeminiEmbedder) Dimension() int {
	return e.dimension
}

// Close releases the underlying API connection.
func (e *GeminiEmbedder) Close() error {
	return e.client.Close()
}
