// Package enrich generates situating context for extracted chunks before
// they are embedded. A chunk embedded alone loses its surroundings; a short
// context line naming the document, page, and section restores enough of
// them to make retrieval work.
package enrich

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/docdex/internal/provider"
	"github.com/kalambet/docdex/internal/storage"
)

// Enrichment strategies.
const (
	StrategyNone     = "none"
	StrategyTemplate = "template"
	StrategyLLM      = "llm"
)

const (
	defaultConcurrency = 4
	maxHeadingChars    = 120
	maxLLMChunkChars   = 2000
)

const llmContextSystemPrompt = `You write search context for document chunks. Given a chunk and where it comes from, reply with one or two short sentences situating the chunk within the overall document, so a search engine can match it to relevant queries. Reply with the context only: no preamble, no quotes, no restatement of the chunk.`

// Config controls how chunks are enriched.
type Config struct {
	Strategy    string
	SkipTypes   []string // chunk types never enriched; nil means the default set
	Concurrency int      // llm fan-out bound
}

// DocumentMeta is what enrichment knows about the containing document.
type DocumentMeta struct {
	Filename string
	DocType  string
}

// Enricher produces per-chunk context through the configured strategy.
type Enricher struct {
	llm         provider.LLM
	strategy    string
	skip        map[string]bool
	concurrency int
}

// New creates an Enricher. A nil SkipTypes applies the default set
// (headings and figures carry their context in themselves); pass an empty
// slice to enrich every type.
func New(llm provider.LLM, cfg Config) *Enricher {
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategyTemplate
	}

	skipTypes := cfg.SkipTypes
	if skipTypes == nil {
		skipTypes = []string{"heading", "figure"}
	}
	skip := make(map[string]bool, len(skipTypes))
	for _, t := range skipTypes {
		skip[strings.TrimSpace(t)] = true
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	return &Enricher{llm: llm, strategy: strategy, skip: skip, concurrency: concurrency}
}

// Contexts returns one situating context per chunk, index-aligned with
// chunks. Skipped types get an empty context. The llm strategy degrades per
// chunk: a failed call leaves that chunk bare and records a warning, never
// failing the batch.
func (e *Enricher) Contexts(ctx context.Context, doc DocumentMeta, chunks []storage.Chunk) ([]string, provider.TokenUsage, []string) {
	contexts := make([]string, len(chunks))
	if e.strategy == StrategyNone || len(chunks) == 0 {
		return contexts, provider.TokenUsage{}, nil
	}

	headings := precedingHeadings(chunks)

	if e.strategy == StrategyTemplate {
		for i, c := range chunks {
			if e.skip[c.ChunkType] {
				continue
			}
			contexts[i] = templateContext(doc, c, headings[i])
		}
		return contexts, provider.TokenUsage{}, nil
	}

	var (
		mu       sync.Mutex
		usage    provider.TokenUsage
		warnings []string
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i := range chunks {
		if e.skip[chunks[i].ChunkType] {
			continue
		}
		g.Go(func() error {
			text, u, err := e.llmContext(gCtx, doc, chunks[i], headings[i])

			mu.Lock()
			defer mu.Unlock()
			usage.Input += u.Input
			usage.Output += u.Output
			usage.Total += u.Total
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("context generation failed for chunk %d (page %d): %v", i, chunks[i].PageStart, err))
				return nil
			}
			contexts[i] = text
			return nil
		})
	}
	g.Wait()

	return contexts, usage, warnings
}

func (e *Enricher) llmContext(ctx context.Context, doc DocumentMeta, c storage.Chunk, heading string) (string, provider.TokenUsage, error) {
	content := c.SearchContent
	if len(content) > maxLLMChunkChars {
		content = content[:maxLLMChunkChars]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Document: %s (%s)\n", documentName(doc), doc.DocType)
	fmt.Fprintf(&sb, "Pages: %s\n", pageSpan(c))
	if heading != "" {
		fmt.Fprintf(&sb, "Section: %s\n", heading)
	}
	fmt.Fprintf(&sb, "\nChunk (%s):\n%s", describeChunk(c), content)

	resp, err := e.llm.Chat(ctx, []provider.Message{
		{Role: provider.RoleSystem, Content: llmContextSystemPrompt},
		{Role: provider.RoleUser, Content: sb.String()},
	}, nil)
	if err != nil {
		return "", provider.TokenUsage{}, err
	}
	return strings.TrimSpace(resp.Content), resp.Usage, nil
}

// templateContext builds a deterministic context line without a model call.
func templateContext(doc DocumentMeta, c storage.Chunk, heading string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "This %s appears on %s of %s, a %s document", describeChunk(c), pageSpan(c), documentName(doc), doc.DocType)
	if heading != "" {
		fmt.Fprintf(&sb, ", under %q", heading)
	}
	sb.WriteString(".")
	return sb.String()
}

// precedingHeadings returns, for each chunk, the content of the nearest
// heading before it in reading order.
func precedingHeadings(chunks []storage.Chunk) []string {
	headings := make([]string, len(chunks))
	current := ""
	for i, c := range chunks {
		headings[i] = current
		if c.ChunkType == "heading" {
			current = headingLabel(c.SearchContent)
		}
	}
	return headings
}

func headingLabel(content string) string {
	label := strings.Join(strings.Fields(content), " ")
	if len(label) > maxHeadingChars {
		label = label[:maxHeadingChars]
	}
	return label
}

func describeChunk(c storage.Chunk) string {
	if c.SubType != "" {
		return strings.ReplaceAll(c.SubType, "_", " ")
	}
	return c.ChunkType
}

func pageSpan(c storage.Chunk) string {
	if c.PageStart == c.PageEnd {
		return fmt.Sprintf("page %d", c.PageStart)
	}
	return fmt.Sprintf("pages %d-%d", c.PageStart, c.PageEnd)
}

func documentName(doc DocumentMeta) string {
	if doc.Filename != "" {
		return doc.Filename
	}
	return "the document"
}
