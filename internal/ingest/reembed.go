package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/docdex/internal/provider"
	"github.com/kalambet/docdex/internal/retry"
	"github.com/kalambet/docdex/internal/storage"
)

const defaultReembedBatchSize = 32

// ChunkPager pages through stored chunks and writes embeddings back.
// *retrieval.ChunkStore satisfies it.
type ChunkPager interface {
	ListChunkPage(ctx context.Context, afterID string, limit int) ([]storage.Chunk, error)
	UpdateEmbeddings(ctx context.Context, ids []string, vectors [][]float32) error
}

// Reembedder replaces every chunk's embedding with vectors from the current
// embedding provider. It is the migration path for switching embedding
// models: document and batch metadata stay untouched, only vectors move.
type Reembedder struct {
	chunks    ChunkPager
	embedder  Embedder
	limiter   Limiter
	retrier   *retry.Executor
	batchSize int
}

// NewReembedder builds a re-embedder. batchSize <= 0 defaults to 32.
func NewReembedder(chunks ChunkPager, embedder Embedder, limiter Limiter, retrier *retry.Executor, batchSize int) *Reembedder {
	if batchSize <= 0 {
		batchSize = defaultReembedBatchSize
	}
	return &Reembedder{
		chunks:    chunks,
		embedder:  embedder,
		limiter:   limiter,
		retrier:   retrier,
		batchSize: batchSize,
	}
}

// ReembedResult summarizes a completed re-embedding run.
type ReembedResult struct {
	ChunkCount int                `json:"chunk_count"`
	BatchCount int                `json:"batch_count"`
	Usage      storage.TokenUsage `json:"token_usage"`
}

// Run walks all chunks in keyset order and re-embeds their enriched content.
// It stops at the first batch that fails after retries; chunks already
// updated keep their new vectors, so a rerun resumes the work safely.
func (r *Reembedder) Run(ctx context.Context) (*ReembedResult, error) {
	res := &ReembedResult{}
	afterID := ""
	for {
		chunks, err := r.chunks.ListChunkPage(ctx, afterID, r.batchSize)
		if err != nil {
			return nil, fmt.Errorf("listing chunks: %w", err)
		}
		if len(chunks) == 0 {
			break
		}

		ids := make([]string, len(chunks))
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			ids[i] = c.ID
			texts[i] = c.EnrichedText()
		}

		var result *provider.EmbedResult
		err = callProvider(ctx, r.limiter, r.retrier, nil, func(ctx context.Context) error {
			out, eerr := r.embedder.EmbedBatch(ctx, texts, provider.TaskDocument)
			if eerr != nil {
				return eerr
			}
			result = out
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("re-embedding batch after %q: %w", afterID, err)
		}
		if err := validateVectors(result.Vectors, len(chunks), r.embedder.Dimension()); err != nil {
			return nil, err
		}

		if err := r.chunks.UpdateEmbeddings(ctx, ids, result.Vectors); err != nil {
			return nil, fmt.Errorf("updating embeddings: %w", err)
		}

		res.ChunkCount += len(chunks)
		res.BatchCount++
		res.Usage = res.Usage.Add(toStorageUsage(result.Usage))
		afterID = chunks[len(chunks)-1].ID
		slog.Debug("re-embedded chunk batch", "batch", res.BatchCount, "chunks", res.ChunkCount)
	}

	slog.Info("re-embedding finished", "chunks", res.ChunkCount,
		"batches", res.BatchCount, "tokens", res.Usage.Total)
	return res, nil
}
