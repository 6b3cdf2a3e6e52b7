package api

import (
	"encoding/json"
	"net/http"

	"github.com/kalambet/docdex/internal/ratelimit"
)

func handleReembed(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := deps.Reembed.Run(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "re-embedding failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}

type statusJSON struct {
	Documents   int              `json:"documents"`
	Chunks      int              `json:"chunks"`
	PendingJobs int              `json:"pending_jobs"`
	RateLimiter ratelimit.Status `json:"rate_limiter"`
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := deps.Store.CountDocuments()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting documents: %v", err)
			return
		}
		chunks, err := deps.Chunks.Count(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting chunks: %v", err)
			return
		}
		pending, err := deps.Store.CountJobs("pending")
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting jobs: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(statusJSON{
			Documents:   docs,
			Chunks:      chunks,
			PendingJobs: pending,
			RateLimiter: deps.Limiter.Status(),
		})
	}
}
