// Package reranking re-scores search candidates by query relevance. All
// variants degrade gracefully: whatever fails, the caller gets a usable
// ranking back, at worst the original retrieval order.
package reranking

import (
	"context"
	"sort"
	"time"

	"github.com/kalambet/docdex/internal/provider"
)

// Variants selectable through configuration.
const (
	VariantLLM  = "llm"
	VariantAPI  = "api"
	VariantNone = "none"
)

// Candidate is one retrieval result offered for reranking.
type Candidate struct {
	ID            string
	Content       string
	OriginalRank  int
	OriginalScore float64
}

// Ranked is one reranked result, most relevant first.
type Ranked struct {
	ID             string
	RelevanceScore float64
	OriginalRank   int
}

// Reranker re-orders candidates by relevance to the query, returning at
// most topK results. Implementations never fail the search: on any internal
// error they fall back to the original ordering.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []Candidate, topK int) ([]Ranked, error)
}

// New returns the reranker for the configured variant. Unknown variants and
// missing dependencies fall back to the pass-through reranker rather than
// failing startup.
func New(variant string, llm provider.LLM, api *provider.RerankClient, timeout time.Duration) Reranker {
	switch variant {
	case VariantLLM:
		if llm != nil {
			return &LLMReranker{llm: llm, timeout: timeout}
		}
	case VariantAPI:
		if api != nil {
			return &APIReranker{client: api}
		}
	}
	return &NoOpReranker{}
}

// clampTopK normalizes topK into [1, len]; 0 or negative means "all".
func clampTopK(topK, n int) int {
	if topK <= 0 || topK > n {
		return n
	}
	return topK
}

// fallbackRanking returns the candidates ordered by original score, best
// first, without relying on the caller having pre-sorted them.
func fallbackRanking(candidates []Candidate, topK int) []Ranked {
	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].OriginalScore > ordered[j].OriginalScore
	})

	topK = clampTopK(topK, len(ordered))
	ranked := make([]Ranked, 0, topK)
	for _, c := range ordered[:topK] {
		ranked = append(ranked, Ranked{
			ID:             c.ID,
			RelevanceScore: c.OriginalScore,
			OriginalRank:   c.OriginalRank,
		})
	}
	return ranked
}

// NoOpReranker passes candidates through unchanged. Used when reranking is
// disabled or misconfigured.
type NoOpReranker struct{}

func (n *NoOpReranker) Rerank(_ context.Context, _ string, candidates []Candidate, topK int) ([]Ranked, error) {
	return fallbackRanking(candidates, topK), nil
}
