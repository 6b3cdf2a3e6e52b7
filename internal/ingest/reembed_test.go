package ingest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/docdex/internal/provider"
	"github.com/kalambet/docdex/internal/ratelimit"
	"github.com/kalambet/docdex/internal/retrieval"
	"github.com/kalambet/docdex/internal/retry"
	"github.com/kalambet/docdex/internal/storage"
)

// seedStoredChunks persists a completed single-batch document with n chunks,
// all embedded as [1,0,0,0]. Chunk ids sort in insertion order so keyset
// pagination walks them predictably.
func seedStoredChunks(t *testing.T, store *storage.Store, docID string, n int) []string {
	t.Helper()
	if err := store.CreateDocument(storage.Document{
		ID: docID, Filename: docID + ".pdf", DocType: "general",
		ContentHash: "hash-" + docID, PageCount: 1, TotalBatches: 1,
	}); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	batchID := docID + "-b1"
	if err := store.CreateBatches([]storage.Batch{
		{ID: batchID, DocumentID: docID, Index: 0, PageStart: 1, PageEnd: 1},
	}); err != nil {
		t.Fatalf("CreateBatches: %v", err)
	}

	chunks := make([]storage.Chunk, n)
	ids := make([]string, n)
	for i := range chunks {
		id := fmt.Sprintf("%s-c%02d", docID, i)
		ids[i] = id
		chunks[i] = storage.Chunk{
			ID: id, DocumentID: docID, BatchID: batchID, ChunkIndex: i,
			PageStart: 1, PageEnd: 1, ChunkType: "text",
			SearchContent:  fmt.Sprintf("original content %d", i),
			DisplayContent: fmt.Sprintf("original content %d", i),
			Confidence:     0.9,
			Embedding:      []float32{1, 0, 0, 0},
		}
	}
	if err := store.CompleteBatchWithChunks(batchID, docID, chunks); err != nil {
		t.Fatalf("CompleteBatchWithChunks: %v", err)
	}
	return ids
}

func TestReembedder_Run(t *testing.T) {
	store := openTestStore(t)
	chunkStore := retrieval.NewChunkStore(store.DB())
	ids := seedStoredChunks(t, store, "doc-re", 5)

	embedder := &mockBatchEmbedder{
		embedFn: func(texts []string, task provider.Task) (*provider.EmbedResult, error) {
			if task != provider.TaskDocument {
				t.Errorf("embed task = %q, want document", task)
			}
			vectors := make([][]float32, len(texts))
			for i := range vectors {
				vectors[i] = []float32{0, 9, 0, 0}
			}
			return &provider.EmbedResult{
				Vectors: vectors,
				Usage:   provider.TokenUsage{Input: len(texts), Total: len(texts)},
			}, nil
		},
	}

	r := NewReembedder(chunkStore, embedder, ratelimit.New(6000), retry.New(1, time.Millisecond, 2), 2)
	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.ChunkCount != 5 {
		t.Errorf("ChunkCount = %d, want 5", res.ChunkCount)
	}
	if res.BatchCount != 3 {
		t.Errorf("BatchCount = %d, want 3 (pages of 2, 2, 1)", res.BatchCount)
	}
	if res.Usage.Total != 5 {
		t.Errorf("Usage.Total = %d, want 5", res.Usage.Total)
	}

	got, err := chunkStore.GetByIDs(context.Background(), ids)
	if err != nil {
		t.Fatalf("GetByIDs: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("GetByIDs returned %d chunks, want 5", len(got))
	}
	for _, c := range got {
		if len(c.Embedding) != 4 || c.Embedding[1] != 9 {
			t.Errorf("chunk %s embedding = %v, want replaced vector", c.ID, c.Embedding)
		}
	}

	// The embedder saw every chunk's enriched text exactly once.
	embedder.mu.Lock()
	defer embedder.mu.Unlock()
	var total int
	for _, batch := range embedder.batches {
		total += len(batch)
	}
	if total != 5 {
		t.Errorf("embedder saw %d texts, want 5", total)
	}
	if embedder.batches[0][0] != "original content 0" {
		t.Errorf("first embedded text = %q", embedder.batches[0][0])
	}
}

func TestReembedder_StopsOnEmbedFailure(t *testing.T) {
	store := openTestStore(t)
	chunkStore := retrieval.NewChunkStore(store.DB())
	ids := seedStoredChunks(t, store, "doc-fail", 3)

	embedder := &mockBatchEmbedder{
		embedFn: func(texts []string, task provider.Task) (*provider.EmbedResult, error) {
			return nil, fmt.Errorf("invalid api key")
		},
	}

	r := NewReembedder(chunkStore, embedder, ratelimit.New(6000), retry.New(1, time.Millisecond, 2), 10)
	_, err := r.Run(context.Background())
	if err == nil {
		t.Fatal("Run() succeeded, want error")
	}
	if !strings.Contains(err.Error(), "re-embedding batch") {
		t.Errorf("error = %v, want re-embedding context", err)
	}

	// Old vectors survive a failed run.
	got, err := chunkStore.GetByIDs(context.Background(), ids)
	if err != nil {
		t.Fatalf("GetByIDs: %v", err)
	}
	for _, c := range got {
		if len(c.Embedding) != 4 || c.Embedding[0] != 1 {
			t.Errorf("chunk %s embedding = %v, want original vector", c.ID, c.Embedding)
		}
	}
}

func TestReembedder_DimensionMismatch(t *testing.T) {
	store := openTestStore(t)
	chunkStore := retrieval.NewChunkStore(store.DB())
	seedStoredChunks(t, store, "doc-dim", 2)

	embedder := &mockBatchEmbedder{
		embedFn: func(texts []string, task provider.Task) (*provider.EmbedResult, error) {
			vectors := make([][]float32, len(texts))
			for i := range vectors {
				vectors[i] = []float32{1, 2} // 2-dim, provider advertises 4
			}
			return &provider.EmbedResult{Vectors: vectors}, nil
		},
	}

	r := NewReembedder(chunkStore, embedder, ratelimit.New(6000), retry.New(1, time.Millisecond, 2), 10)
	_, err := r.Run(context.Background())
	if err == nil {
		t.Fatal("Run() succeeded, want dimension error")
	}
	if !strings.Contains(err.Error(), "dimension mismatch") {
		t.Errorf("error = %v, want dimension mismatch", err)
	}
}

func TestReembedder_EmptyStore(t *testing.T) {
	store := openTestStore(t)
	chunkStore := retrieval.NewChunkStore(store.DB())

	embedder := &mockBatchEmbedder{
		embedFn: func(texts []string, task provider.Task) (*provider.EmbedResult, error) {
			t.Error("embedder called with no chunks stored")
			return nil, fmt.Errorf("unexpected call")
		},
	}

	r := NewReembedder(chunkStore, embedder, ratelimit.New(6000), retry.New(1, time.Millisecond, 2), 0)
	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ChunkCount != 0 || res.BatchCount != 0 {
		t.Errorf("result = %+v, want zero counts", res)
	}
}
