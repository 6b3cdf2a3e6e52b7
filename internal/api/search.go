package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kalambet/docdex/internal/retrieval"
)

const maxSearchBodySize = 1 << 20 // 1MB

// SearchRequest is the POST /search body.
type SearchRequest struct {
	Query           string             `json:"query"`
	Mode            string             `json:"mode,omitempty"`
	Limit           int                `json:"limit,omitempty"`
	MinScore        float64            `json:"min_score,omitempty"`
	DocumentIDs     []string           `json:"document_ids,omitempty"`
	Types           []string           `json:"types,omitempty"`
	ExcludeTypes    []string           `json:"exclude_types,omitempty"`
	MinConfidence   float64            `json:"min_confidence,omitempty"`
	IncludeHeadings bool               `json:"include_headings,omitempty"`
	Rerank          *RerankRequest     `json:"rerank,omitempty"`
	TypeBoost       map[string]float64 `json:"type_boost,omitempty"`
}

// RerankRequest toggles the rerank stage for one search.
type RerankRequest struct {
	Enabled    bool `json:"enabled"`
	Candidates int  `json:"candidates,omitempty"`
	TopK       int  `json:"top_k,omitempty"`
}

type searchResultJSON struct {
	Chunk         chunkJSON `json:"chunk"`
	Score         float64   `json:"score"`
	SemanticScore float64   `json:"semantic_score"`
	KeywordScore  float64   `json:"keyword_score"`
	Explanation   string    `json:"explanation"`
}

type searchResponseJSON struct {
	Results  []searchResultJSON `json:"results"`
	Mode     string             `json:"mode"`
	Reranked bool               `json:"reranked"`
	Warnings []string           `json:"warnings,omitempty"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxSearchBodySize)
		defer r.Body.Close()

		var req SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		opts := retrieval.Options{
			Mode:     req.Mode,
			Limit:    req.Limit,
			MinScore: req.MinScore,
			Filters: retrieval.Filters{
				DocumentIDs:   req.DocumentIDs,
				Types:         req.Types,
				ExcludeTypes:  req.ExcludeTypes,
				MinConfidence: req.MinConfidence,
			},
			IncludeHeadings: req.IncludeHeadings,
			TypeBoost:       req.TypeBoost,
		}
		if req.Rerank != nil {
			opts.Rerank = retrieval.RerankOptions{
				Enabled:    req.Rerank.Enabled,
				Candidates: req.Rerank.Candidates,
				TopK:       req.Rerank.TopK,
			}
		}

		resp, err := deps.Searcher.Search(r.Context(), req.Query, opts)
		if errors.Is(err, retrieval.ErrEmptyQuery) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}

		out := searchResponseJSON{
			Results:  make([]searchResultJSON, len(resp.Results)),
			Mode:     resp.Mode,
			Reranked: resp.Reranked,
			Warnings: resp.Warnings,
		}
		for i, res := range resp.Results {
			out.Results[i] = searchResultJSON{
				Chunk:         toChunkJSON(res.Chunk),
				Score:         res.Score,
				SemanticScore: res.SemanticScore,
				KeywordScore:  res.KeywordScore,
				Explanation:   res.Explanation,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}
