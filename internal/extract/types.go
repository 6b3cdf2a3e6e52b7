// Package extract turns raw page text into typed chunk candidates by
// prompting a chat model. Extraction is tiered: a schema-constrained
// structured call first, then a free-text call whose response is recovered
// through chunk markers or, failing that, blank-line segmentation.
package extract

import (
	"fmt"
	"strings"

	"github.com/kalambet/docdex/internal/provider"
)

// Canonical chunk types. Everything a model labels a chunk with is folded
// into one of these; the raw label survives as the sub type.
const (
	TypeText    = "text"
	TypeHeading = "heading"
	TypeTable   = "table"
	TypeList    = "list"
	TypeFigure  = "figure"
	TypeCode    = "code"
)

// minChunkChars is the shortest content worth indexing. Anything below is
// page noise (stray numbers, orphaned punctuation) and is dropped.
const minChunkChars = 10

var canonicalTypes = map[string]bool{
	TypeText:    true,
	TypeHeading: true,
	TypeTable:   true,
	TypeList:    true,
	TypeFigure:  true,
	TypeCode:    true,
}

// subTypeMap folds the labels extraction models commonly emit into
// canonical types.
var subTypeMap = map[string]string{
	"paragraph":      TypeText,
	"prose":          TypeText,
	"footnote":       TypeText,
	"caption":        TypeText,
	"quote":          TypeText,
	"abstract":       TypeText,
	"title":          TypeHeading,
	"subtitle":       TypeHeading,
	"header":         TypeHeading,
	"section_header": TypeHeading,
	"chart":          TypeFigure,
	"graph":          TypeFigure,
	"image":          TypeFigure,
	"diagram":        TypeFigure,
	"photo":          TypeFigure,
	"bullet_list":    TypeList,
	"numbered_list":  TypeList,
	"table_row":      TypeTable,
	"code_block":     TypeCode,
	"snippet":        TypeCode,
}

// IsCanonicalType reports whether t is one of the canonical chunk types.
func IsCanonicalType(t string) bool {
	return canonicalTypes[t]
}

// NormalizeType maps a raw model-emitted type label onto a canonical type
// and sub type. Canonical labels pass through; known aliases map with the
// alias preserved as the sub type; anything else becomes text with the raw
// label as the sub type.
func NormalizeType(raw string) (chunkType, subType string) {
	label := strings.ToLower(strings.TrimSpace(raw))
	if label == "" {
		return TypeText, ""
	}
	if canonicalTypes[label] {
		return label, ""
	}
	if mapped, ok := subTypeMap[label]; ok {
		return mapped, label
	}
	return TypeText, label
}

// Candidate is one chunk proposed by extraction, before enrichment and
// persistence.
type Candidate struct {
	Type       string
	SubType    string
	PageStart  int
	PageEnd    int
	Confidence float64
	Content    string
}

// ValidationError reports a structured extraction response that came back
// but did not satisfy the schema. It is not retryable: the fix is the
// free-text fallback, not another attempt at the same call. Usage carries
// the tokens the failed call still consumed.
type ValidationError struct {
	Reason string
	Usage  provider.TokenUsage
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("structured extraction invalid: %s", e.Reason)
}

// Retryable marks the error terminal for retry loops.
func (e *ValidationError) Retryable() bool {
	return false
}
