package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/docdex/internal/ingest"
	"github.com/kalambet/docdex/internal/storage"
)

const maxUploadSize = 50 << 20 // 50MB

// uploadInput is a decoded document upload, regardless of whether it
// arrived as multipart form data or JSON with base64 content.
type uploadInput struct {
	Filename       string
	Data           []byte
	DocType        string
	PromptConfigID string
	CustomPrompt   string
	SkipExisting   bool
	Async          bool
}

type uploadJSON struct {
	Filename       string `json:"filename"`
	Content        string `json:"content"` // base64-encoded PDF bytes
	DocType        string `json:"doc_type"`
	PromptConfigID string `json:"prompt_config_id"`
	CustomPrompt   string `json:"custom_prompt"`
	SkipExisting   bool   `json:"skip_existing"`
	Async          bool   `json:"async"`
}

func decodeUpload(r *http.Request) (*uploadInput, error) {
	ct := r.Header.Get("Content-Type")

	if strings.HasPrefix(ct, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			return nil, fmt.Errorf("parsing multipart form: %v", err)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, fmt.Errorf("missing file field: %v", err)
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("reading file: %v", err)
		}

		in := &uploadInput{
			Filename:       header.Filename,
			Data:           data,
			DocType:        r.FormValue("doc_type"),
			PromptConfigID: r.FormValue("prompt_config_id"),
			CustomPrompt:   r.FormValue("custom_prompt"),
		}
		in.SkipExisting, _ = strconv.ParseBool(r.FormValue("skip_existing"))
		in.Async, _ = strconv.ParseBool(r.FormValue("async"))
		return in, nil
	}

	var req uploadJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid request body: %v", err)
	}
	if req.Content == "" {
		return nil, errors.New("content is required")
	}
	data, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		return nil, errors.New("content is not valid base64")
	}

	return &uploadInput{
		Filename:       req.Filename,
		Data:           data,
		DocType:        req.DocType,
		PromptConfigID: req.PromptConfigID,
		CustomPrompt:   req.CustomPrompt,
		SkipExisting:   req.SkipExisting,
		Async:          req.Async,
	}, nil
}

func handleCreateDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		defer r.Body.Close()

		in, err := decodeUpload(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if len(in.Data) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "uploaded file is empty")
			return
		}
		if in.Filename == "" {
			in.Filename = "upload.pdf"
		}

		if in.Async {
			enqueueUpload(w, deps, in)
			return
		}

		source, err := deps.Load(in.Data)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "could not parse PDF: %v", err)
			return
		}
		if source.PageCount() == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "document has no pages")
			return
		}

		resolved, err := deps.Prompts.Resolve(in.DocType, in.PromptConfigID, in.CustomPrompt)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "prompt config %s not found", in.PromptConfigID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "resolving prompt: %v", err)
			return
		}

		result, err := deps.Ingester.Ingest(r.Context(), ingest.Request{
			Source:         source,
			Filename:       in.Filename,
			DocType:        in.DocType,
			PromptConfigID: resolved.ConfigID,
			Instructions:   resolved.Instructions,
			ChunkStrategy:  resolved.ChunkStrategy,
			SkipExisting:   in.SkipExisting,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "ingesting document: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toIngestResultJSON(result))
	}
}

// enqueueUpload spools the PDF to disk and queues a document_ingest job
// for the background worker.
func enqueueUpload(w http.ResponseWriter, deps Deps, in *uploadInput) {
	if err := os.MkdirAll(deps.UploadDir, 0o700); err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "creating upload dir: %v", err)
		return
	}
	path := filepath.Join(deps.UploadDir, uuid.New().String()+".pdf")
	if err := os.WriteFile(path, in.Data, 0o600); err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "spooling upload: %v", err)
		return
	}

	payload, err := json.Marshal(ingest.IngestJobPayload{
		FilePath:       path,
		Filename:       in.Filename,
		DocType:        in.DocType,
		PromptConfigID: in.PromptConfigID,
		CustomPrompt:   in.CustomPrompt,
		SkipExisting:   in.SkipExisting,
	})
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "marshaling job payload: %v", err)
		return
	}

	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        ingest.JobTypeDocumentIngest,
		PayloadJSON: string(payload),
	}
	if err := deps.Store.EnqueueJob(job); err != nil {
		os.Remove(path)
		httpError(w, http.StatusInternalServerError, "api_error", "enqueueing job: %v", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"job_id": job.ID,
		"status": "queued",
	})
}

type ingestResultJSON struct {
	DocumentID       string             `json:"document_id"`
	Status           string             `json:"status"`
	ChunkCount       int                `json:"chunk_count"`
	BatchCount       int                `json:"batch_count"`
	FailedBatchCount int                `json:"failed_batch_count"`
	TokenUsage       storage.TokenUsage `json:"token_usage"`
	ProcessingMs     int64              `json:"processing_ms"`
	Warnings         []string           `json:"warnings,omitempty"`
	SkippedExisting  bool               `json:"skipped_existing,omitempty"`
}

func toIngestResultJSON(res *ingest.Result) ingestResultJSON {
	return ingestResultJSON{
		DocumentID:       res.DocumentID,
		Status:           res.Status,
		ChunkCount:       res.ChunkCount,
		BatchCount:       res.BatchCount,
		FailedBatchCount: res.FailedBatchCount,
		TokenUsage:       res.TokenUsage,
		ProcessingMs:     res.ProcessingMs,
		Warnings:         res.Warnings,
		SkippedExisting:  res.SkippedExisting,
	}
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 200)

		docs, err := deps.Store.ListDocuments(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing documents: %v", err)
			return
		}

		out := make([]documentJSON, len(docs))
		for i, d := range docs {
			out[i] = toDocumentJSON(d)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

type batchJSON struct {
	Index      int    `json:"index"`
	PageStart  int    `json:"page_start"`
	PageEnd    int    `json:"page_end"`
	Status     string `json:"status"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`
}

type documentDetailJSON struct {
	documentJSON
	ChunkCount int         `json:"chunk_count"`
	Batches    []batchJSON `json:"batches"`
}

func handleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		doc, err := deps.Store.GetDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "getting document: %v", err)
			return
		}

		batches, err := deps.Store.ListBatches(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing batches: %v", err)
			return
		}
		chunkCount, err := deps.Store.CountDocumentChunks(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting chunks: %v", err)
			return
		}

		detail := documentDetailJSON{
			documentJSON: toDocumentJSON(doc),
			ChunkCount:   chunkCount,
			Batches:      make([]batchJSON, len(batches)),
		}
		for i, b := range batches {
			detail.Batches[i] = batchJSON{
				Index:      b.Index,
				PageStart:  b.PageStart,
				PageEnd:    b.PageEnd,
				Status:     b.Status,
				RetryCount: b.RetryCount,
				LastError:  b.LastError,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(detail)
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Store.DeleteDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "deleting document: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

func handleListDocumentChunks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		limit := parseIntParam(r, "limit", 100, 500)
		offset := parseIntParam(r, "offset", 0, 0)

		if _, err := deps.Store.GetDocument(id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "document not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "getting document: %v", err)
			return
		}

		chunks, err := deps.Chunks.ListByDocument(r.Context(), id, limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing chunks: %v", err)
			return
		}

		out := make([]chunkJSON, len(chunks))
		for i, c := range chunks {
			out[i] = toChunkJSON(c)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}
