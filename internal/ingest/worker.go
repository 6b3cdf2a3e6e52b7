package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kalambet/docdex/internal/pdftext"
	"github.com/kalambet/docdex/internal/promptcfg"
	"github.com/kalambet/docdex/internal/storage"
)

// JobTypeDocumentIngest is the queue type for async document uploads.
const JobTypeDocumentIngest = "document_ingest"

// IngestJobPayload is the payload_json schema for document_ingest jobs.
// FilePath points at the spooled upload; the worker deletes it after a
// successful run and keeps it when the job will be retried.
type IngestJobPayload struct {
	FilePath       string `json:"file_path"`
	Filename       string `json:"filename"`
	DocType        string `json:"doc_type"`
	PromptConfigID string `json:"prompt_config_id,omitempty"`
	CustomPrompt   string `json:"custom_prompt,omitempty"`
	SkipExisting   bool   `json:"skip_existing,omitempty"`
}

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// Ingester runs a full document ingest. *Orchestrator satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, req Request) (*Result, error)
}

// PromptResolver resolves the extraction prompt for a document. The worker
// resolves at processing time, not enqueue time, so queued jobs pick up
// prompt-config changes made while they waited.
type PromptResolver interface {
	Resolve(docType, promptConfigID, customPrompt string) (promptcfg.Resolved, error)
}

// DocumentLoader opens a spooled upload as a page source.
type DocumentLoader func(path string) (PageSource, error)

// LoadDocument is the production DocumentLoader, backed by the PDF reader.
func LoadDocument(path string) (PageSource, error) {
	doc, err := pdftext.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Worker processes document_ingest jobs from the SQLite job queue.
type Worker struct {
	store    JobStore
	ingester Ingester
	prompts  PromptResolver
	load     DocumentLoader
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies. A nil loader uses
// the PDF reader; pollInterval <= 0 defaults to 500ms.
func NewWorker(store JobStore, ingester Ingester, prompts PromptResolver, load DocumentLoader, pollInterval time.Duration) *Worker {
	if load == nil {
		load = LoadDocument
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		ingester: ingester,
		prompts:  prompts,
		load:     load,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job. Returns true if a job was
// processed, regardless of its outcome.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobTypeDocumentIngest})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload IngestJobPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	resolved, err := w.prompts.Resolve(payload.DocType, payload.PromptConfigID, payload.CustomPrompt)
	if err != nil {
		return fmt.Errorf("resolving prompt for %q: %w", payload.DocType, err)
	}

	source, err := w.load(payload.FilePath)
	if err != nil {
		return fmt.Errorf("loading %s: %w", payload.FilePath, err)
	}

	res, err := w.ingester.Ingest(ctx, Request{
		Source:         source,
		Filename:       payload.Filename,
		DocType:        payload.DocType,
		PromptConfigID: resolved.ConfigID,
		Instructions:   resolved.Instructions,
		ChunkStrategy:  resolved.ChunkStrategy,
		SkipExisting:   payload.SkipExisting,
	})
	if err != nil {
		return err
	}

	// The upload served its purpose whatever the document status ended up
	// as; failed documents are recorded in storage, not re-run by the queue.
	if rmErr := os.Remove(payload.FilePath); rmErr != nil && !os.IsNotExist(rmErr) {
		w.logger.Warn("removing spooled upload failed", "path", payload.FilePath, "error", rmErr)
	}

	if res.Status == storage.DocumentFailed {
		w.logger.Warn("ingest job produced failed document",
			"job_id", job.ID, "document_id", res.DocumentID)
	} else {
		w.logger.Info("ingest job finished", "job_id", job.ID,
			"document_id", res.DocumentID, "status", res.Status, "chunks", res.ChunkCount)
	}
	return nil
}
