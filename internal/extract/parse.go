package extract

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Extraction paths, recorded per batch for diagnostics.
const (
	PathStructured = "structured"
	PathMarkers    = "markers"
	PathHeuristic  = "heuristic"
)

const (
	markerDefaultConfidence    = 0.7
	heuristicDefaultConfidence = 0.5
)

// structuredChunk mirrors one element of the structured extraction response.
type structuredChunk struct {
	Type       string  `json:"type"`
	SubType    string  `json:"sub_type"`
	Page       int     `json:"page"`
	Confidence float64 `json:"confidence"`
	Content    string  `json:"content"`
}

// ParseStructured validates a structured extraction response against the
// batch's page range. The expected shape is {"chunks": [...]}; a bare
// top-level array is tolerated. Any structural defect fails the whole
// response so the caller can fall back to free-text extraction; a page
// outside the batch range but still plausible (≥ 1) is clamped into the
// range with a warning, matching the marker path. Chunks with content
// shorter than ten characters are silently dropped.
func ParseStructured(raw string, pageStart, pageEnd int) ([]Candidate, error) {
	cleaned := stripFences(raw)

	var wrapper struct {
		Chunks []structuredChunk `json:"chunks"`
	}
	if err := json.Unmarshal([]byte(cleaned), &wrapper); err != nil || wrapper.Chunks == nil {
		var bare []structuredChunk
		if bareErr := json.Unmarshal([]byte(cleaned), &bare); bareErr != nil {
			return nil, fmt.Errorf("response is not a chunk list")
		}
		wrapper.Chunks = bare
	}

	candidates := make([]Candidate, 0, len(wrapper.Chunks))
	for i, ch := range wrapper.Chunks {
		content := strings.TrimSpace(ch.Content)
		if len(content) < minChunkChars {
			continue
		}
		if strings.TrimSpace(ch.Type) == "" {
			return nil, fmt.Errorf("chunk %d missing type", i)
		}
		if ch.Page < 1 {
			return nil, fmt.Errorf("chunk %d page %d invalid", i, ch.Page)
		}
		if ch.Confidence < 0 || ch.Confidence > 1 {
			return nil, fmt.Errorf("chunk %d confidence %g outside [0,1]", i, ch.Confidence)
		}

		page := ch.Page
		if page < pageStart || page > pageEnd {
			page = clampPage(page, pageStart, pageEnd)
			slog.Warn("structured chunk page outside batch range, clamped",
				"chunk", i, "page", ch.Page, "page_start", pageStart, "page_end", pageEnd)
		}

		chunkType, subType := NormalizeType(ch.Type)
		if s := strings.ToLower(strings.TrimSpace(ch.SubType)); s != "" {
			subType = s
		}
		candidates = append(candidates, Candidate{
			Type:       chunkType,
			SubType:    subType,
			PageStart:  page,
			PageEnd:    page,
			Confidence: ch.Confidence,
			Content:    content,
		})
	}
	return candidates, nil
}

// ParseFreeText recovers chunks from a free-form extraction response:
// marker pairs when the model emitted them, blank-line segmentation
// otherwise. It always yields a usable (possibly empty) result; the second
// return value names the path taken.
func ParseFreeText(raw string, pageStart, pageEnd int) ([]Candidate, string) {
	if candidates := parseMarkers(raw, pageStart, pageEnd); candidates != nil {
		return candidates, PathMarkers
	}
	return splitHeuristic(stripFences(raw), pageStart, pageEnd), PathHeuristic
}

var (
	markerRe = regexp.MustCompile(`(?s)\[\[chunk([^\]]*)\]\](.*?)\[\[/chunk\]\]`)
	attrRe   = regexp.MustCompile(`(\w+)="([^"]*)"`)
)

// parseMarkers extracts [[chunk ...]]...[[/chunk]] pairs. Returns nil when
// the response carries no markers at all.
func parseMarkers(raw string, pageStart, pageEnd int) []Candidate {
	matches := markerRe.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return nil
	}

	candidates := make([]Candidate, 0, len(matches))
	for _, m := range matches {
		attrs := map[string]string{}
		for _, kv := range attrRe.FindAllStringSubmatch(m[1], -1) {
			attrs[strings.ToLower(kv[1])] = kv[2]
		}

		content := strings.TrimSpace(m[2])
		if len(content) < minChunkChars {
			continue
		}

		chunkType, subType := NormalizeType(attrs["type"])
		if s := strings.ToLower(strings.TrimSpace(attrs["sub_type"])); s != "" {
			subType = s
		}

		start, end := parsePageAttr(attrs["page"], pageStart, pageEnd)
		candidates = append(candidates, Candidate{
			Type:       chunkType,
			SubType:    subType,
			PageStart:  start,
			PageEnd:    end,
			Confidence: parseConfidenceAttr(attrs["confidence"]),
			Content:    content,
		})
	}

	// Markers were present but every chunk was dropped: still the marker
	// path, just an empty batch.
	return candidates
}

// parsePageAttr reads "3" or "3-5", clamping into the batch range. A
// missing or malformed attribute falls back to the full range.
func parsePageAttr(attr string, pageStart, pageEnd int) (int, int) {
	attr = strings.TrimSpace(attr)
	if attr == "" {
		return pageStart, pageEnd
	}

	first, second, isRange := strings.Cut(attr, "-")
	start, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return pageStart, pageEnd
	}
	end := start
	if isRange {
		if e, err := strconv.Atoi(strings.TrimSpace(second)); err == nil {
			end = e
		}
	}

	start = clampPage(start, pageStart, pageEnd)
	end = clampPage(end, pageStart, pageEnd)
	if end < start {
		end = start
	}
	return start, end
}

func clampPage(p, lo, hi int) int {
	if p < lo {
		return lo
	}
	if p > hi {
		return hi
	}
	return p
}

func parseConfidenceAttr(attr string) float64 {
	c, err := strconv.ParseFloat(strings.TrimSpace(attr), 64)
	if err != nil || c < 0 || c > 1 {
		return markerDefaultConfidence
	}
	return c
}

var blankLineRe = regexp.MustCompile(`\n\s*\n`)

// splitHeuristic is the last-resort tier: blank-line segmentation of the
// raw response. Page attribution is unknown, so every chunk spans the full
// batch range at low confidence.
func splitHeuristic(text string, pageStart, pageEnd int) []Candidate {
	blocks := blankLineRe.Split(text, -1)
	candidates := make([]Candidate, 0, len(blocks))
	for _, block := range blocks {
		content := strings.TrimSpace(block)
		if len(content) < minChunkChars {
			continue
		}

		chunkType := TypeText
		if looksLikeHeading(content) {
			chunkType = TypeHeading
		}
		candidates = append(candidates, Candidate{
			Type:       chunkType,
			PageStart:  pageStart,
			PageEnd:    pageEnd,
			Confidence: heuristicDefaultConfidence,
			Content:    content,
		})
	}
	return candidates
}

var headingNumberRe = regexp.MustCompile(`^\d+(\.\d+)*\.?\s+\S`)

// looksLikeHeading guesses whether a block is a section heading: a single
// short line that is numbered, all-caps, or a brief unpunctuated title.
func looksLikeHeading(block string) bool {
	if strings.Contains(block, "\n") || len(block) > 80 {
		return false
	}
	if strings.HasSuffix(block, ".") || strings.HasSuffix(block, ",") || strings.HasSuffix(block, ";") || strings.HasSuffix(block, ":") {
		return false
	}
	if headingNumberRe.MatchString(block) {
		return true
	}
	if hasLetter(block) && block == strings.ToUpper(block) {
		return true
	}
	words := strings.Fields(block)
	return len(words) > 0 && len(words) <= 6 && unicode.IsUpper(firstRune(block))
}

func hasLetter(s string) bool {
	return strings.ContainsFunc(s, unicode.IsLetter)
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}

// stripFences removes a surrounding markdown code fence, which chat models
// add even when told not to.
func stripFences(s string) string {
	cleaned := strings.TrimSpace(s)
	if !strings.HasPrefix(cleaned, "```") {
		return cleaned
	}
	if idx := strings.Index(cleaned, "\n"); idx >= 0 {
		cleaned = cleaned[idx+1:]
	}
	cleaned = strings.TrimSuffix(strings.TrimSpace(cleaned), "```")
	return strings.TrimSpace(cleaned)
}
