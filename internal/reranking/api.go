package reranking

import (
	"context"
	"log/slog"

	"github.com/kalambet/docdex/internal/provider"
)

// APIReranker delegates scoring to a hosted rerank endpoint, which returns
// candidates already ordered by relevance.
type APIReranker struct {
	client *provider.RerankClient
}

// Rerank sends the candidates to the rerank API. On any failure the
// original ordering comes back unchanged.
func (r *APIReranker) Rerank(ctx context.Context, query string, candidates []Candidate, topK int) ([]Ranked, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	topK = clampTopK(topK, len(candidates))

	documents := make([]string, len(candidates))
	for i, c := range candidates {
		documents[i] = c.Content
	}

	results, err := r.client.Rerank(ctx, query, documents, topK)
	if err != nil {
		slog.Warn("reranker: api call failed, keeping original order", "error", err)
		return fallbackRanking(candidates, topK), nil
	}
	if len(results) == 0 {
		return fallbackRanking(candidates, topK), nil
	}

	ranked := make([]Ranked, 0, topK)
	for _, res := range results {
		c := candidates[res.Index]
		ranked = append(ranked, Ranked{
			ID:             c.ID,
			RelevanceScore: clampScore(res.Score),
			OriginalRank:   c.OriginalRank,
		})
		if len(ranked) == topK {
			break
		}
	}
	return ranked, nil
}
