package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/docdex/internal/extract"
	"github.com/kalambet/docdex/internal/provider"
	"github.com/kalambet/docdex/internal/reranking"
	"github.com/kalambet/docdex/internal/storage"
)

// Search modes.
const (
	ModeSemantic = "semantic"
	ModeKeyword  = "keyword"
	ModeHybrid   = "hybrid"
)

// Hybrid fusion weights. Semantic similarity dominates; keyword overlap
// breaks ties and rescues exact-term queries that embed poorly.
const (
	semanticWeight = 0.7
	keywordWeight  = 0.3
)

const (
	defaultSearchLimit      = 10
	defaultRerankCandidates = 30
)

// ErrEmptyQuery is returned when Search is called with a blank query.
var ErrEmptyQuery = errors.New("search query is empty")

// RerankOptions control the optional rerank stage of a search.
type RerankOptions struct {
	Enabled    bool
	Candidates int // pool size for the widened rerank pass
	TopK       int // results to keep after reranking; defaults to Limit
}

// Options narrow and shape a search.
type Options struct {
	Mode            string
	Limit           int
	Filters         Filters
	MinScore        float64
	IncludeHeadings bool
	Rerank          RerankOptions
	TypeBoost       map[string]float64
}

// Result is one ranked chunk. Score is the final ranking score; the
// per-arm scores are kept so callers can see why a chunk matched.
type Result struct {
	Chunk         storage.Chunk
	Score         float64
	SemanticScore float64
	KeywordScore  float64
	Explanation   string
}

// SearchResponse carries the ranked results plus how they were produced.
type SearchResponse struct {
	Results  []Result
	Mode     string
	Reranked bool
	Warnings []string
}

// Searcher is the chunk query surface the engine needs. *ChunkStore
// implements it.
type Searcher interface {
	SemanticSearch(ctx context.Context, vector []float32, topK int, f Filters) ([]ScoredChunk, error)
	KeywordSearch(ctx context.Context, query string, topK int, f Filters) ([]ScoredChunk, error)
}

// QueryEmbedder embeds search queries. provider.Embedder satisfies it.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string, task provider.Task) ([]float32, error)
}

// Engine runs searches: per-mode lookup, hybrid fusion, score filtering,
// optional reranking, and type boosts.
type Engine struct {
	store        Searcher
	embedder     QueryEmbedder
	reranker     reranking.Reranker
	defaultLimit int
}

// NewEngine builds a search engine. reranker may be nil, which disables
// the rerank stage regardless of options.
func NewEngine(store Searcher, embedder QueryEmbedder, reranker reranking.Reranker, defaultLimit int) *Engine {
	if defaultLimit <= 0 {
		defaultLimit = defaultSearchLimit
	}
	return &Engine{store: store, embedder: embedder, reranker: reranker, defaultLimit: defaultLimit}
}

// Search runs a query and returns best-effort ranked results. Only a fully
// failed search returns an error; partial failures (one hybrid arm, the
// reranker) degrade with a warning.
func (e *Engine) Search(ctx context.Context, query string, opts Options) (*SearchResponse, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	mode := opts.Mode
	if mode == "" {
		mode = ModeHybrid
	}
	switch mode {
	case ModeSemantic, ModeKeyword, ModeHybrid:
	default:
		return nil, fmt.Errorf("unknown search mode %q", opts.Mode)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = e.defaultLimit
	}

	filters := opts.Filters
	if !opts.IncludeHeadings && len(filters.Types) == 0 && !slices.Contains(filters.ExcludeTypes, extract.TypeHeading) {
		filters.ExcludeTypes = append(filters.ExcludeTypes, extract.TypeHeading)
	}

	resp := &SearchResponse{Mode: mode}

	// The query vector is embedded at most once and shared between the
	// initial pass and the rerank widening pass.
	var vector []float32

	results, err := e.gather(ctx, mode, query, limit, opts.MinScore, filters, &vector, resp)
	if err != nil {
		return nil, err
	}

	if opts.Rerank.Enabled && e.reranker != nil && len(results) > 1 {
		results = e.rerank(ctx, mode, query, limit, opts, filters, &vector, results, resp)
	}

	if len(opts.TypeBoost) > 0 {
		applyTypeBoost(results, opts.TypeBoost)
	}

	resp.Results = results
	return resp, nil
}

// gather runs one search pass in the given mode and returns fused results
// sorted by score descending, truncated to limit. vector caches the
// embedded query across passes.
func (e *Engine) gather(ctx context.Context, mode, query string, limit int, minScore float64, f Filters, vector *[]float32, resp *SearchResponse) ([]Result, error) {
	var results []Result

	switch mode {
	case ModeSemantic:
		hits, err := e.semanticSearch(ctx, query, limit, f, vector)
		if err != nil {
			return nil, err
		}
		results = make([]Result, len(hits))
		for i, h := range hits {
			results[i] = Result{Chunk: h.Chunk, Score: h.Score, SemanticScore: h.Score, Explanation: "semantic match"}
		}
	case ModeKeyword:
		hits, err := e.store.KeywordSearch(ctx, query, limit, f)
		if err != nil {
			return nil, fmt.Errorf("keyword search: %w", err)
		}
		results = make([]Result, len(hits))
		for i, h := range hits {
			results[i] = Result{Chunk: h.Chunk, Score: h.Score, KeywordScore: h.Score, Explanation: "keyword match"}
		}
	case ModeHybrid:
		// Both arms over-fetch so fusion has overlap to work with. Arm
		// errors are captured, not returned, so one failing arm cannot
		// cancel its sibling.
		poolK := 2 * limit
		var semantic, keyword []ScoredChunk
		var semErr, kwErr error
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			semantic, semErr = e.semanticSearch(gctx, query, poolK, f, vector)
			return nil
		})
		g.Go(func() error {
			keyword, kwErr = e.store.KeywordSearch(gctx, query, poolK, f)
			return nil
		})
		g.Wait()

		if semErr != nil && kwErr != nil {
			return nil, fmt.Errorf("hybrid search: %w", errors.Join(semErr, kwErr))
		}
		if semErr != nil {
			resp.Warnings = append(resp.Warnings, fmt.Sprintf("semantic search degraded, keyword results only: %v", semErr))
		}
		if kwErr != nil {
			resp.Warnings = append(resp.Warnings, fmt.Sprintf("keyword search degraded, semantic results only: %v", kwErr))
		}
		results = fuse(semantic, keyword)
	}

	if minScore > 0 {
		kept := results[:0]
		for _, r := range results {
			if r.Score >= minScore {
				kept = append(kept, r)
			}
		}
		results = kept
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (e *Engine) semanticSearch(ctx context.Context, query string, topK int, f Filters, vector *[]float32) ([]ScoredChunk, error) {
	if *vector == nil {
		v, err := e.embedder.Embed(ctx, query, provider.TaskQuery)
		if err != nil {
			return nil, fmt.Errorf("embedding query: %w", err)
		}
		*vector = v
	}
	results, err := e.store.SemanticSearch(ctx, *vector, topK, f)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	return results, nil
}

// fuse merges the two result arms by chunk ID. A chunk present in both
// arms gets the sum of its weighted scores; a chunk in one arm keeps its
// single weighted score. Results come back sorted by fused score.
func fuse(semantic, keyword []ScoredChunk) []Result {
	results := make([]Result, 0, len(semantic)+len(keyword))
	index := make(map[string]int, len(semantic))
	fromKeyword := make(map[string]bool, len(keyword))

	for _, s := range semantic {
		index[s.Chunk.ID] = len(results)
		results = append(results, Result{
			Chunk:         s.Chunk,
			Score:         semanticWeight * s.Score,
			SemanticScore: s.Score,
		})
	}
	for _, k := range keyword {
		fromKeyword[k.Chunk.ID] = true
		if i, ok := index[k.Chunk.ID]; ok {
			results[i].Score += keywordWeight * k.Score
			results[i].KeywordScore = k.Score
			continue
		}
		results = append(results, Result{
			Chunk:        k.Chunk,
			Score:        keywordWeight * k.Score,
			KeywordScore: k.Score,
		})
	}

	for i := range results {
		_, fromSemantic := index[results[i].Chunk.ID]
		results[i].Explanation = explain(fromSemantic, fromKeyword[results[i].Chunk.ID])
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results
}

func explain(hasSemantic, hasKeyword bool) string {
	switch {
	case hasSemantic && hasKeyword:
		return "semantic + keyword match"
	case hasKeyword:
		return "keyword match"
	default:
		return "semantic match"
	}
}

// rerank widens the candidate pool by re-running the original search mode,
// hands the pool to the reranker, and maps relevance scores back onto
// chunks. Every failure path falls back to the pre-rerank ordering; rerank
// problems never fail a search.
func (e *Engine) rerank(ctx context.Context, mode, query string, limit int, opts Options, f Filters, vector *[]float32, results []Result, resp *SearchResponse) []Result {
	topK := opts.Rerank.TopK
	if topK <= 0 {
		topK = limit
	}
	candidateCount := opts.Rerank.Candidates
	if candidateCount <= 0 {
		candidateCount = defaultRerankCandidates
	}

	pool := results
	if candidateCount > len(results) {
		widened, err := e.gather(ctx, mode, query, candidateCount, opts.MinScore, f, vector, resp)
		if err != nil {
			slog.Warn("rerank pool widening failed, reranking original results", "error", err)
			resp.Warnings = append(resp.Warnings, fmt.Sprintf("rerank pool widening failed: %v", err))
		} else if len(widened) > 0 {
			pool = widened
		}
	}

	candidates := make([]reranking.Candidate, len(pool))
	byID := make(map[string]Result, len(pool))
	for i, r := range pool {
		candidates[i] = reranking.Candidate{
			ID:            r.Chunk.ID,
			Content:       r.Chunk.EnrichedText(),
			OriginalRank:  i,
			OriginalScore: r.Score,
		}
		byID[r.Chunk.ID] = r
	}

	ranked, err := e.reranker.Rerank(ctx, query, candidates, topK)
	if err != nil || len(ranked) == 0 {
		if err != nil {
			slog.Warn("reranking failed, keeping fused order", "error", err)
			resp.Warnings = append(resp.Warnings, fmt.Sprintf("reranking failed: %v", err))
		}
		if len(results) > topK {
			results = results[:topK]
		}
		return results
	}

	reranked := make([]Result, 0, len(ranked))
	for _, r := range ranked {
		res, ok := byID[r.ID]
		if !ok {
			continue
		}
		res.Score = r.RelevanceScore
		reranked = append(reranked, res)
	}
	if len(reranked) == 0 {
		if len(results) > topK {
			results = results[:topK]
		}
		return results
	}
	if len(reranked) > topK {
		reranked = reranked[:topK]
	}
	resp.Reranked = true
	return reranked
}

// applyTypeBoost multiplies each result's final score by its chunk type's
// multiplier and re-sorts. Types absent from the map are unchanged.
func applyTypeBoost(results []Result, boost map[string]float64) {
	for i := range results {
		if m, ok := boost[results[i].Chunk.ChunkType]; ok {
			results[i].Score *= m
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
}
