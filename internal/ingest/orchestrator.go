// Package ingest turns uploaded PDFs into stored, embedded chunks: page
// batching, rate-limited LLM extraction with fallback, enrichment,
// embedding, and atomic persistence, plus the background worker and the
// re-embedding migration.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/kalambet/docdex/internal/enrich"
	"github.com/kalambet/docdex/internal/extract"
	"github.com/kalambet/docdex/internal/provider"
	"github.com/kalambet/docdex/internal/retry"
	"github.com/kalambet/docdex/internal/storage"
)

const (
	defaultPagesPerBatch  = 15
	defaultMaxConcurrency = 4
)

// Store is the persistence surface the orchestrator drives.
// *storage.Store satisfies it.
type Store interface {
	CreateDocument(d storage.Document) error
	CreateBatches(batches []storage.Batch) error
	SetDocumentStatus(id, status string) error
	MarkBatchProcessing(id string) error
	MarkBatchRetrying(id string, retryCount int, lastError string) error
	FailBatch(id, documentID, lastError string) error
	CompleteBatchWithChunks(id, documentID string, chunks []storage.Chunk) error
	AddTokenUsage(id string, u storage.TokenUsage) error
	FinalizeDocument(id string, processingMs int64) (string, error)
	FindDocumentByIdentity(contentHash, docType, promptConfigID string) (storage.Document, error)
	CountDocumentChunks(id string) (int, error)
}

// PageSource yields page-scoped text for a document. *pdftext.Document
// satisfies it.
type PageSource interface {
	PageCount() int
	ContentHash() string
	RangeText(start, end int) (string, error)
}

// Extractor produces chunk candidates from page text. *extract.Extractor
// satisfies it.
type Extractor interface {
	Structured(ctx context.Context, req extract.Request) (*extract.Result, error)
	FreeText(ctx context.Context, req extract.Request) (*extract.Result, error)
}

// ContextEnricher generates situating context per chunk. *enrich.Enricher
// satisfies it.
type ContextEnricher interface {
	Contexts(ctx context.Context, doc enrich.DocumentMeta, chunks []storage.Chunk) ([]string, provider.TokenUsage, []string)
}

// Embedder is the embedding surface batches need. provider.Embedder
// satisfies it.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string, task provider.Task) (*provider.EmbedResult, error)
	Dimension() int
}

// Limiter is the shared adaptive rate limiter surface.
type Limiter interface {
	Acquire(ctx context.Context) error
	ReportSuccess()
	ReportRateLimitError()
}

// ProgressFunc receives ingest lifecycle events. batch is the batch index,
// or -1 for document-level events. Callbacks run synchronously on the
// orchestrator or batch-worker goroutine and must return quickly.
type ProgressFunc func(stage string, batch int, detail string)

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Store     Store
	Extractor Extractor
	Enricher  ContextEnricher
	Embedder  Embedder
	Limiter   Limiter
	Retrier   *retry.Executor
}

// Config holds the batching knobs.
type Config struct {
	PagesPerBatch  int
	MaxConcurrency int
}

// Orchestrator runs a whole document ingest: split into page batches,
// process batches in bounded waves, aggregate the outcome. One Ingest call
// owns its document; batches only ever touch their own row plus the parent
// document's counters.
type Orchestrator struct {
	store          Store
	extractor      Extractor
	enricher       ContextEnricher
	embedder       Embedder
	limiter        Limiter
	retrier        *retry.Executor
	pagesPerBatch  int
	maxConcurrency int
}

// NewOrchestrator builds an orchestrator from its collaborators.
func NewOrchestrator(deps Deps, cfg Config) *Orchestrator {
	pagesPerBatch := cfg.PagesPerBatch
	if pagesPerBatch <= 0 {
		pagesPerBatch = defaultPagesPerBatch
	}
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	return &Orchestrator{
		store:          deps.Store,
		extractor:      deps.Extractor,
		enricher:       deps.Enricher,
		embedder:       deps.Embedder,
		limiter:        deps.Limiter,
		retrier:        deps.Retrier,
		pagesPerBatch:  pagesPerBatch,
		maxConcurrency: maxConcurrency,
	}
}

// Request describes one ingest call. Instructions and ChunkStrategy are the
// already-resolved prompt configuration for this document.
type Request struct {
	Source         PageSource
	Filename       string
	DocType        string
	PromptConfigID string
	Instructions   string
	ChunkStrategy  string
	SkipExisting   bool
	OnProgress     ProgressFunc
}

// Result summarizes a finished ingest. An ingest that reached batching
// always produces a Result; partial failure is reported through
// FailedBatchCount and Warnings, not an error.
type Result struct {
	DocumentID       string
	Status           string
	ChunkCount       int
	BatchCount       int
	FailedBatchCount int
	TokenUsage       storage.TokenUsage
	ProcessingMs     int64
	Warnings         []string
	SkippedExisting  bool
}

// BatchSpec is one contiguous page range of a document.
type BatchSpec struct {
	Index     int
	PageStart int
	PageEnd   int
}

// SplitPages partitions [1..pageCount] into contiguous, non-overlapping
// spans of at most pagesPerBatch pages. The last span may be shorter.
func SplitPages(pageCount, pagesPerBatch int) []BatchSpec {
	if pageCount <= 0 {
		return nil
	}
	if pagesPerBatch <= 0 {
		pagesPerBatch = defaultPagesPerBatch
	}
	specs := make([]BatchSpec, 0, (pageCount+pagesPerBatch-1)/pagesPerBatch)
	for start := 1; start <= pageCount; start += pagesPerBatch {
		specs = append(specs, BatchSpec{
			Index:     len(specs),
			PageStart: start,
			PageEnd:   min(start+pagesPerBatch-1, pageCount),
		})
	}
	return specs
}

type batchOutcome struct {
	chunkCount int
	usage      storage.TokenUsage
	warnings   []string
	err        error
}

// Ingest processes one document to completion. It returns an error only for
// pre-flight failures (empty document, storage unavailable); once batching
// begins, batch failures are absorbed into the Result.
func (o *Orchestrator) Ingest(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	pageCount := req.Source.PageCount()
	if pageCount <= 0 {
		return nil, fmt.Errorf("document %q has no pages", req.Filename)
	}
	contentHash := req.Source.ContentHash()

	if req.SkipExisting {
		if res, ok, err := o.findExisting(contentHash, req); err != nil {
			return nil, err
		} else if ok {
			return res, nil
		}
	}

	specs := SplitPages(pageCount, o.pagesPerBatch)
	docID := uuid.New().String()

	if err := o.store.CreateDocument(storage.Document{
		ID:             docID,
		Filename:       req.Filename,
		DocType:        req.DocType,
		ContentHash:    contentHash,
		PageCount:      pageCount,
		TotalBatches:   len(specs),
		PromptConfigID: req.PromptConfigID,
	}); err != nil {
		return nil, fmt.Errorf("creating document: %w", err)
	}

	batches := make([]storage.Batch, len(specs))
	for i, spec := range specs {
		batches[i] = storage.Batch{
			ID:         uuid.New().String(),
			DocumentID: docID,
			Index:      spec.Index,
			PageStart:  spec.PageStart,
			PageEnd:    spec.PageEnd,
		}
	}
	if err := o.store.CreateBatches(batches); err != nil {
		return nil, fmt.Errorf("creating batches: %w", err)
	}
	if err := o.store.SetDocumentStatus(docID, storage.DocumentProcessing); err != nil {
		return nil, fmt.Errorf("marking document processing: %w", err)
	}
	report(req.OnProgress, "document_created", -1, docID)
	slog.Info("ingest started", "document_id", docID, "filename", req.Filename,
		"pages", pageCount, "batches", len(batches))

	// Page text is pulled out sequentially before the waves start: the PDF
	// reader is not documented as safe for concurrent page access, and this
	// keeps batch workers pure provider I/O.
	texts := make([]string, len(batches))
	textErrs := make([]error, len(batches))
	for i, b := range batches {
		texts[i], textErrs[i] = req.Source.RangeText(b.PageStart, b.PageEnd)
	}

	outcomes := make([]batchOutcome, len(batches))
	pool, err := ants.NewPool(o.maxConcurrency)
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}
	defer pool.Release()

	for waveStart := 0; waveStart < len(batches); waveStart += o.maxConcurrency {
		waveEnd := min(waveStart+o.maxConcurrency, len(batches))
		var wg sync.WaitGroup
		for i := waveStart; i < waveEnd; i++ {
			wg.Add(1)
			if perr := pool.Submit(func() {
				defer wg.Done()
				outcomes[i] = o.processBatch(ctx, req, docID, batches[i], texts[i], textErrs[i])
			}); perr != nil {
				wg.Done()
				outcomes[i] = o.batchFailed(req, docID, batches[i], batchOutcome{}, fmt.Errorf("submitting batch worker: %w", perr))
			}
		}
		wg.Wait()
	}

	res := &Result{
		DocumentID: docID,
		BatchCount: len(batches),
	}
	for i, out := range outcomes {
		res.ChunkCount += out.chunkCount
		res.TokenUsage = res.TokenUsage.Add(out.usage)
		res.Warnings = append(res.Warnings, out.warnings...)
		if out.err != nil {
			res.FailedBatchCount++
			res.Warnings = append(res.Warnings, fmt.Sprintf("pages %d-%d: %v", batches[i].PageStart, batches[i].PageEnd, out.err))
		}
	}

	res.ProcessingMs = time.Since(start).Milliseconds()
	status, err := o.store.FinalizeDocument(docID, res.ProcessingMs)
	if err != nil {
		return nil, fmt.Errorf("finalizing document: %w", err)
	}
	res.Status = status

	slog.Info("ingest finished", "document_id", docID, "status", status,
		"chunks", res.ChunkCount, "failed_batches", res.FailedBatchCount,
		"tokens", res.TokenUsage.Total, "ms", res.ProcessingMs)
	return res, nil
}

// findExisting checks for a previous ingest of the same content under the
// same doc type and prompt config. Failed documents are re-ingested.
func (o *Orchestrator) findExisting(contentHash string, req Request) (*Result, bool, error) {
	existing, err := o.store.FindDocumentByIdentity(contentHash, req.DocType, req.PromptConfigID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("checking for existing document: %w", err)
	}
	if existing.Status == storage.DocumentFailed {
		return nil, false, nil
	}

	chunkCount, err := o.store.CountDocumentChunks(existing.ID)
	if err != nil {
		return nil, false, fmt.Errorf("counting existing chunks: %w", err)
	}
	slog.Info("skipping existing document", "document_id", existing.ID, "filename", req.Filename)
	return &Result{
		DocumentID:       existing.ID,
		Status:           existing.Status,
		ChunkCount:       chunkCount,
		BatchCount:       existing.TotalBatches,
		FailedBatchCount: existing.FailedBatches,
		TokenUsage:       existing.TokenUsage,
		SkippedExisting:  true,
	}, true, nil
}

// processBatch runs one batch end to end: extraction with fallback,
// enrichment, embedding, atomic persistence. Any terminal failure marks the
// batch FAILED and leaves siblings untouched.
func (o *Orchestrator) processBatch(ctx context.Context, req Request, docID string, batch storage.Batch, text string, textErr error) batchOutcome {
	var out batchOutcome

	if textErr != nil {
		return o.batchFailed(req, docID, batch, out, fmt.Errorf("reading page text: %w", textErr))
	}
	if err := o.store.MarkBatchProcessing(batch.ID); err != nil {
		return o.batchFailed(req, docID, batch, out, fmt.Errorf("marking batch processing: %w", err))
	}
	report(req.OnProgress, "batch_started", batch.Index, fmt.Sprintf("pages %d-%d", batch.PageStart, batch.PageEnd))

	// One retry counter across the extraction and embedding calls so the
	// batch row reflects total attempts.
	retries := 0
	onRetry := func(attempt int, err error) {
		retries++
		if merr := o.store.MarkBatchRetrying(batch.ID, retries, err.Error()); merr != nil {
			slog.Warn("marking batch retrying failed", "batch_id", batch.ID, "error", merr)
		}
		report(req.OnProgress, "batch_retrying", batch.Index, fmt.Sprintf("attempt %d: %v", retries, err))
	}

	candidates, err := o.extractBatch(ctx, req, batch, text, &out, onRetry)
	if err != nil {
		return o.batchFailed(req, docID, batch, out, err)
	}

	chunks := buildChunks(docID, batch, candidates)
	if len(chunks) > 0 {
		meta := enrich.DocumentMeta{Filename: req.Filename, DocType: req.DocType}
		contexts, usage, warnings := o.enricher.Contexts(ctx, meta, chunks)
		out.usage = out.usage.Add(toStorageUsage(usage))
		out.warnings = append(out.warnings, warnings...)
		for i := range chunks {
			if i < len(contexts) {
				chunks[i].ContextText = contexts[i]
			}
		}

		if err := o.embedChunks(ctx, chunks, &out, onRetry); err != nil {
			return o.batchFailed(req, docID, batch, out, err)
		}
	}

	if err := o.store.CompleteBatchWithChunks(batch.ID, docID, chunks); err != nil {
		return o.batchFailed(req, docID, batch, out, fmt.Errorf("persisting chunks: %w", err))
	}
	out.chunkCount = len(chunks)
	o.recordUsage(docID, out.usage)
	report(req.OnProgress, "batch_completed", batch.Index, fmt.Sprintf("%d chunks", len(chunks)))
	return out
}

// extractBatch attempts structured extraction and falls back to the
// free-text parser when the model's answer fails schema validation. Token
// usage from the failed structured attempt still counts.
func (o *Orchestrator) extractBatch(ctx context.Context, req Request, batch storage.Batch, text string, out *batchOutcome, onRetry retry.OnRetry) ([]extract.Candidate, error) {
	ereq := extract.Request{
		DocType:       req.DocType,
		Filename:      req.Filename,
		PageStart:     batch.PageStart,
		PageEnd:       batch.PageEnd,
		Text:          text,
		Instructions:  req.Instructions,
		ChunkStrategy: req.ChunkStrategy,
	}

	var result *extract.Result
	err := callProvider(ctx, o.limiter, o.retrier, onRetry, func(ctx context.Context) error {
		res, cerr := o.extractor.Structured(ctx, ereq)
		if cerr != nil {
			return cerr
		}
		result = res
		return nil
	})
	if err == nil {
		out.usage = out.usage.Add(toStorageUsage(result.Usage))
		return result.Candidates, nil
	}

	var verr *extract.ValidationError
	if !errors.As(err, &verr) {
		return nil, fmt.Errorf("extracting pages %d-%d: %w", batch.PageStart, batch.PageEnd, err)
	}

	out.usage = out.usage.Add(toStorageUsage(verr.Usage))
	out.warnings = append(out.warnings, fmt.Sprintf("pages %d-%d: structured extraction invalid, fell back to free text", batch.PageStart, batch.PageEnd))
	slog.Debug("structured extraction failed validation, falling back",
		"batch", batch.Index, "reason", verr.Reason)

	err = callProvider(ctx, o.limiter, o.retrier, onRetry, func(ctx context.Context) error {
		res, cerr := o.extractor.FreeText(ctx, ereq)
		if cerr != nil {
			return cerr
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("free-text extraction for pages %d-%d: %w", batch.PageStart, batch.PageEnd, err)
	}
	out.usage = out.usage.Add(toStorageUsage(result.Usage))
	return result.Candidates, nil
}

// embedChunks embeds every chunk's enriched text and attaches the vectors,
// validating count and dimension against the provider's contract.
func (o *Orchestrator) embedChunks(ctx context.Context, chunks []storage.Chunk, out *batchOutcome, onRetry retry.OnRetry) error {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.EnrichedText()
	}

	var result *provider.EmbedResult
	err := callProvider(ctx, o.limiter, o.retrier, onRetry, func(ctx context.Context) error {
		res, eerr := o.embedder.EmbedBatch(ctx, texts, provider.TaskDocument)
		if eerr != nil {
			return eerr
		}
		result = res
		return nil
	})
	if err != nil {
		return fmt.Errorf("embedding chunks: %w", err)
	}
	out.usage = out.usage.Add(toStorageUsage(result.Usage))

	if err := validateVectors(result.Vectors, len(chunks), o.embedder.Dimension()); err != nil {
		return err
	}
	for i, vec := range result.Vectors {
		chunks[i].Embedding = vec
	}
	return nil
}

// validateVectors checks an embed response against the request: one vector
// per input text, each of the provider's declared dimension when it is known.
func validateVectors(vectors [][]float32, wantCount, wantDim int) error {
	if len(vectors) != wantCount {
		return fmt.Errorf("embedding count mismatch: %d vectors for %d texts", len(vectors), wantCount)
	}
	for _, vec := range vectors {
		if wantDim > 0 && len(vec) != wantDim {
			return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(vec), wantDim)
		}
	}
	return nil
}

func (o *Orchestrator) batchFailed(req Request, docID string, batch storage.Batch, out batchOutcome, err error) batchOutcome {
	slog.Warn("batch failed", "document_id", docID, "batch", batch.Index,
		"pages", fmt.Sprintf("%d-%d", batch.PageStart, batch.PageEnd), "error", err)
	if ferr := o.store.FailBatch(batch.ID, docID, err.Error()); ferr != nil {
		slog.Error("marking batch failed", "batch_id", batch.ID, "error", ferr)
	}
	o.recordUsage(docID, out.usage)
	report(req.OnProgress, "batch_failed", batch.Index, err.Error())
	out.err = err
	return out
}

// recordUsage adds a batch's token usage onto the document counters. Tokens
// spent on failed batches count too.
func (o *Orchestrator) recordUsage(docID string, usage storage.TokenUsage) {
	if usage == (storage.TokenUsage{}) {
		return
	}
	if err := o.store.AddTokenUsage(docID, usage); err != nil {
		slog.Warn("recording token usage failed", "document_id", docID, "error", err)
	}
}

func buildChunks(docID string, batch storage.Batch, candidates []extract.Candidate) []storage.Chunk {
	chunks := make([]storage.Chunk, len(candidates))
	for i, c := range candidates {
		chunks[i] = storage.Chunk{
			ID:             uuid.New().String(),
			DocumentID:     docID,
			BatchID:        batch.ID,
			ChunkIndex:     i,
			PageStart:      c.PageStart,
			PageEnd:        c.PageEnd,
			ChunkType:      c.Type,
			SubType:        c.SubType,
			SearchContent:  c.Content,
			DisplayContent: c.Content,
			Confidence:     c.Confidence,
		}
	}
	return chunks
}

// callProvider wraps one provider call with rate limiting, retries, and
// adaptive rate feedback. Shared by extraction, embedding, and re-embedding.
func callProvider(ctx context.Context, limiter Limiter, retrier *retry.Executor, onRetry retry.OnRetry, op func(context.Context) error) error {
	return retrier.Do(ctx, func(ctx context.Context) error {
		if err := limiter.Acquire(ctx); err != nil {
			return err
		}
		if err := op(ctx); err != nil {
			if retry.IsRateLimit(err) {
				limiter.ReportRateLimitError()
			}
			return err
		}
		limiter.ReportSuccess()
		return nil
	}, onRetry)
}

func toStorageUsage(u provider.TokenUsage) storage.TokenUsage {
	return storage.TokenUsage{Input: u.Input, Output: u.Output, Total: u.Total}
}

func report(fn ProgressFunc, stage string, batch int, detail string) {
	if fn != nil {
		fn(stage, batch, detail)
	}
}
