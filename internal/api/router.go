// Package api exposes the HTTP management surface and the MCP server.
// All routes except /health require bearer-token auth; errors are JSON
// objects in the {"error":{"type","message"}} shape.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/docdex/internal/discovery"
	"github.com/kalambet/docdex/internal/ingest"
	"github.com/kalambet/docdex/internal/pdftext"
	"github.com/kalambet/docdex/internal/promptcfg"
	"github.com/kalambet/docdex/internal/ratelimit"
	"github.com/kalambet/docdex/internal/retrieval"
	"github.com/kalambet/docdex/internal/storage"
)

// Ingester runs a synchronous document ingestion. *ingest.Orchestrator
// implements it.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (*ingest.Result, error)
}

// Searcher runs a ranked search. *retrieval.Engine implements it.
type Searcher interface {
	Search(ctx context.Context, query string, opts retrieval.Options) (*retrieval.SearchResponse, error)
}

// Discoverer proposes and approves prompt configs. *discovery.Service
// implements it.
type Discoverer interface {
	Discover(ctx context.Context, source discovery.PageSource, filename string) (discovery.Session, error)
	Approve(sessionID string) (storage.PromptConfig, error)
}

// ReembedRunner re-embeds the whole corpus. *ingest.Reembedder implements it.
type ReembedRunner interface {
	Run(ctx context.Context) (*ingest.ReembedResult, error)
}

// UploadLoader turns uploaded bytes into a page source. Defaults to
// pdftext.Load; injectable for tests.
type UploadLoader func(data []byte) (ingest.PageSource, error)

// LoadUpload is the default UploadLoader.
func LoadUpload(data []byte) (ingest.PageSource, error) {
	return pdftext.Load(data)
}

// Deps holds everything the HTTP handlers need.
type Deps struct {
	Store     *storage.Store
	Chunks    *retrieval.ChunkStore
	Searcher  Searcher
	Ingester  Ingester
	Prompts   *promptcfg.Manager
	Discovery Discoverer
	Reembed   ReembedRunner
	Limiter   *ratelimit.Limiter
	Token     string
	UploadDir string       // spool directory for async uploads
	Load      UploadLoader // nil means LoadUpload
}

// NewHandler builds the management API router. /health is open; every
// other route sits behind bearer auth.
func NewHandler(deps Deps) http.Handler {
	if deps.Load == nil {
		deps.Load = LoadUpload
	}

	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/documents", handleCreateDocument(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Get("/documents/{id}", handleGetDocument(deps))
		r.Delete("/documents/{id}", handleDeleteDocument(deps))
		r.Get("/documents/{id}/chunks", handleListDocumentChunks(deps))

		r.Post("/search", handleSearch(deps))

		r.Get("/prompt-configs", handleListPromptConfigs(deps))
		r.Post("/prompt-configs", handleCreatePromptConfig(deps))
		r.Post("/prompt-configs/{id}/activate", handleActivatePromptConfig(deps))

		r.Post("/discovery", handleDiscover(deps))
		r.Post("/discovery/{id}/approve", handleApproveDiscovery(deps))

		r.Post("/admin/reembed", handleReembed(deps))
		r.Get("/status", handleStatus(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

// documentJSON is the wire shape of a document.
type documentJSON struct {
	ID               string             `json:"id"`
	Filename         string             `json:"filename"`
	DocType          string             `json:"doc_type"`
	PageCount        int                `json:"page_count"`
	Status           string             `json:"status"`
	TotalBatches     int                `json:"total_batches"`
	CompletedBatches int                `json:"completed_batches"`
	FailedBatches    int                `json:"failed_batches"`
	TokenUsage       storage.TokenUsage `json:"token_usage"`
	PromptConfigID   string             `json:"prompt_config_id,omitempty"`
	ProcessingMs     int64              `json:"processing_ms"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

func toDocumentJSON(d storage.Document) documentJSON {
	return documentJSON{
		ID:               d.ID,
		Filename:         d.Filename,
		DocType:          d.DocType,
		PageCount:        d.PageCount,
		Status:           d.Status,
		TotalBatches:     d.TotalBatches,
		CompletedBatches: d.CompletedBatches,
		FailedBatches:    d.FailedBatches,
		TokenUsage:       d.TokenUsage,
		PromptConfigID:   d.PromptConfigID,
		ProcessingMs:     d.ProcessingMs,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

// chunkJSON is the wire shape of a chunk. Embeddings stay server-side.
type chunkJSON struct {
	ID         string  `json:"id"`
	DocumentID string  `json:"document_id"`
	ChunkIndex int     `json:"chunk_index"`
	PageStart  int     `json:"page_start"`
	PageEnd    int     `json:"page_end"`
	Type       string  `json:"type"`
	SubType    string  `json:"sub_type,omitempty"`
	Content    string  `json:"content"`
	Context    string  `json:"context,omitempty"`
	Confidence float64 `json:"confidence"`
}

func toChunkJSON(c storage.Chunk) chunkJSON {
	return chunkJSON{
		ID:         c.ID,
		DocumentID: c.DocumentID,
		ChunkIndex: c.ChunkIndex,
		PageStart:  c.PageStart,
		PageEnd:    c.PageEnd,
		Type:       c.ChunkType,
		SubType:    c.SubType,
		Content:    c.DisplayContent,
		Context:    c.ContextText,
		Confidence: c.Confidence,
	}
}

// promptConfigJSON is the wire shape of a prompt config.
type promptConfigJSON struct {
	ID            string    `json:"id"`
	DocType       string    `json:"doc_type"`
	DisplayName   string    `json:"display_name"`
	Instructions  string    `json:"instructions"`
	ChunkStrategy string    `json:"chunk_strategy"`
	Version       int       `json:"version"`
	IsActive      bool      `json:"is_active"`
	IsDefault     bool      `json:"is_default"`
	CreatedAt     time.Time `json:"created_at"`
}

func toPromptConfigJSON(p storage.PromptConfig) promptConfigJSON {
	return promptConfigJSON{
		ID:            p.ID,
		DocType:       p.DocType,
		DisplayName:   p.DisplayName,
		Instructions:  p.Instructions,
		ChunkStrategy: p.ChunkStrategy,
		Version:       p.Version,
		IsActive:      p.IsActive,
		IsDefault:     p.IsDefault,
		CreatedAt:     p.CreatedAt,
	}
}
