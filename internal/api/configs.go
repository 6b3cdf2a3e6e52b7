package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/docdex/internal/discovery"
	"github.com/kalambet/docdex/internal/storage"
)

func handleListPromptConfigs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docType := r.URL.Query().Get("doc_type")

		configs, err := deps.Prompts.List(docType)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing prompt configs: %v", err)
			return
		}

		out := make([]promptConfigJSON, len(configs))
		for i, p := range configs {
			out[i] = toPromptConfigJSON(p)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

type createPromptConfigRequest struct {
	DocType       string `json:"doc_type"`
	DisplayName   string `json:"display_name"`
	Instructions  string `json:"instructions"`
	ChunkStrategy string `json:"chunk_strategy"`
	Activate      bool   `json:"activate"`
}

func handleCreatePromptConfig(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxSearchBodySize)
		defer r.Body.Close()

		var req createPromptConfigRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.DocType == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "doc_type is required")
			return
		}
		if req.Instructions == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "instructions is required")
			return
		}

		cfg, err := deps.Prompts.Create(req.DocType, req.DisplayName, req.Instructions, req.ChunkStrategy, req.Activate)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "creating prompt config: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(toPromptConfigJSON(cfg))
	}
}

func handleActivatePromptConfig(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Prompts.Activate(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "prompt config not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "activating prompt config: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "activated"})
	}
}

type discoverySessionJSON struct {
	SessionID string             `json:"session_id"`
	Filename  string             `json:"filename"`
	Proposal  discovery.Proposal `json:"proposal"`
	Warnings  []string           `json:"warnings,omitempty"`
	ExpiresAt time.Time          `json:"expires_at"`
}

func handleDiscover(deps Deps) http.HandlerFunc {
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

		source, err := deps.Load(in.Data)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "could not parse PDF: %v", err)
			return
		}
		if source.PageCount() == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "document has no pages")
			return
		}

		sess, err := deps.Discovery.Discover(r.Context(), source, in.Filename)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "discovery failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(discoverySessionJSON{
			SessionID: sess.ID,
			Filename:  sess.Filename,
			Proposal:  sess.Proposal,
			Warnings:  sess.Warnings,
			ExpiresAt: sess.ExpiresAt,
		})
	}
}

func handleApproveDiscovery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		cfg, err := deps.Discovery.Approve(id)
		if errors.Is(err, discovery.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "discovery session not found or expired")
			return
		}
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(toPromptConfigJSON(cfg))
	}
}
