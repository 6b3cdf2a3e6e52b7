package extract

import (
	"context"

	"github.com/kalambet/docdex/internal/provider"
)

// Extractor runs extraction calls against a chat model.
type Extractor struct {
	llm provider.LLM
}

// NewExtractor creates an Extractor backed by the given chat model.
func NewExtractor(llm provider.LLM) *Extractor {
	return &Extractor{llm: llm}
}

// Result carries the candidates one extraction call produced.
type Result struct {
	Candidates []Candidate
	Usage      provider.TokenUsage
	Path       string
}

// Structured performs the schema-constrained extraction tier. A response
// that arrives but fails validation comes back as a *ValidationError so the
// caller can switch to the free-text tier instead of retrying.
func (e *Extractor) Structured(ctx context.Context, req Request) (*Result, error) {
	resp, err := e.llm.Chat(ctx, BuildStructuredMessages(req), ChunkSchema())
	if err != nil {
		return nil, err
	}

	candidates, perr := ParseStructured(resp.Content, req.PageStart, req.PageEnd)
	if perr != nil {
		return nil, &ValidationError{Reason: perr.Error(), Usage: resp.Usage}
	}
	return &Result{Candidates: candidates, Usage: resp.Usage, Path: PathStructured}, nil
}

// FreeText performs the marker-based fallback tier. It fails only when the
// provider call itself fails; any response parses into something.
func (e *Extractor) FreeText(ctx context.Context, req Request) (*Result, error) {
	resp, err := e.llm.Chat(ctx, BuildFreeTextMessages(req), nil)
	if err != nil {
		return nil, err
	}

	candidates, path := ParseFreeText(resp.Content, req.PageStart, req.PageEnd)
	return &Result{Candidates: candidates, Usage: resp.Usage, Path: path}, nil
}
