package reranking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/docdex/internal/provider"
)

const (
	defaultTimeout    = 30 * time.Second
	maxCandidateChars = 1200
)

const rerankSystemPrompt = `You rank search results. Score each passage for how well it answers the query, from 0.0 (irrelevant) to 1.0 (directly answers it). Your output must be ONLY a JSON array with one element per passage: [{"id": "<passage id>", "score": <float>}]. Include every passage exactly once. No other text.`

// LLMReranker scores all candidates in a single chat call. One prompt for
// the whole slate keeps latency flat in the candidate count, at the price of
// a response that sloppy models truncate or wrap; parseRanking absorbs that.
type LLMReranker struct {
	llm     provider.LLM
	timeout time.Duration
}

// Rerank asks the model to score every candidate against the query. On any
// failure (provider error, timeout, unusable response) the original ordering
// comes back unchanged. Candidates the model skipped keep their original
// score.
func (r *LLMReranker) Rerank(ctx context.Context, query string, candidates []Candidate, topK int) ([]Ranked, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	timeout := r.timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := r.llm.Chat(ctx, []provider.Message{
		{Role: provider.RoleSystem, Content: rerankSystemPrompt},
		{Role: provider.RoleUser, Content: buildRerankPrompt(query, candidates)},
	}, nil)
	if err != nil {
		slog.Warn("reranker: chat failed, keeping original order", "error", err)
		return fallbackRanking(candidates, topK), nil
	}

	scores, err := parseRanking(resp.Content)
	if err != nil {
		slog.Warn("reranker: unusable response, keeping original order", "error", err)
		return fallbackRanking(candidates, topK), nil
	}

	ranked := make([]Ranked, 0, len(candidates))
	for _, c := range candidates {
		score, ok := scores[c.ID]
		if !ok {
			// The model skipped this candidate; its retrieval score stands.
			score = c.OriginalScore
		}
		ranked = append(ranked, Ranked{
			ID:             c.ID,
			RelevanceScore: clampScore(score),
			OriginalRank:   c.OriginalRank,
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].RelevanceScore != ranked[j].RelevanceScore {
			return ranked[i].RelevanceScore > ranked[j].RelevanceScore
		}
		return ranked[i].OriginalRank < ranked[j].OriginalRank
	})

	return ranked[:clampTopK(topK, len(ranked))], nil
}

func buildRerankPrompt(query string, candidates []Candidate) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n\nPassages:\n", query)
	for _, c := range candidates {
		content := c.Content
		if len(content) > maxCandidateChars {
			content = content[:maxCandidateChars]
		}
		fmt.Fprintf(&sb, "[%s]\n%s\n\n", c.ID, content)
	}
	return sb.String()
}

// rankedItem is one element of the model's ranking array. The id is loosely
// typed because small models emit numbers where strings were asked for.
type rankedItem struct {
	ID    any     `json:"id"`
	Score float64 `json:"score"`
}

func (it rankedItem) idString() string {
	switch v := it.ID.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

// parseRanking extracts {id: score} pairs from an LLM ranking response.
// Models wrap the array in fences, bury it in prose, nest it under a
// "results" key, or truncate it mid-object; every recoverable shape is
// recovered. Returns an error only when not a single score can be salvaged.
func parseRanking(resp string) (map[string]float64, error) {
	s := strings.TrimSpace(resp)

	// Strip markdown code fences.
	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	// Prefer the outermost array; fall back to an object wrapper.
	var items []rankedItem
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start != -1 && end > start {
		if err := json.Unmarshal([]byte(s[start:end+1]), &items); err != nil {
			items = repairTruncatedArray(s[start:])
		}
	} else {
		var wrapper struct {
			Results []rankedItem `json:"results"`
		}
		objStart := strings.Index(s, "{")
		objEnd := strings.LastIndex(s, "}")
		if objStart == -1 || objEnd <= objStart {
			return nil, fmt.Errorf("no JSON array in response")
		}
		if err := json.Unmarshal([]byte(s[objStart:objEnd+1]), &wrapper); err != nil {
			return nil, fmt.Errorf("unmarshal ranking: %w", err)
		}
		items = wrapper.Results
	}

	scores := make(map[string]float64, len(items))
	for _, it := range items {
		if id := it.idString(); id != "" {
			scores[id] = it.Score
		}
	}
	if len(scores) == 0 {
		return nil, fmt.Errorf("no usable scores in response")
	}
	return scores, nil
}

// repairTruncatedArray salvages well-formed objects from an array the model
// cut off mid-element: each balanced {...} span is unmarshaled on its own
// and the broken tail is discarded.
func repairTruncatedArray(s string) []rankedItem {
	var items []rankedItem
	depth := 0
	objStart := -1
	inString := false
	escaped := false

	for i, r := range s {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = inString
		case '"':
			inString = !inString
		case '{':
			if !inString {
				if depth == 0 {
					objStart = i
				}
				depth++
			}
		case '}':
			if !inString && depth > 0 {
				depth--
				if depth == 0 && objStart != -1 {
					var it rankedItem
					if err := json.Unmarshal([]byte(s[objStart:i+1]), &it); err == nil {
						items = append(items, it)
					}
					objStart = -1
				}
			}
		}
	}
	return items
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
