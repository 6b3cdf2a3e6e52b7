package enrich

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/kalambet/docdex/internal/provider"
	"github.com/kalambet/docdex/internal/storage"
)

type mockLLM struct {
	chatFn func(ctx context.Context, messages []provider.Message, schema *provider.Schema) (*provider.ChatResult, error)
}

func (m *mockLLM) Chat(ctx context.Context, messages []provider.Message, schema *provider.Schema) (*provider.ChatResult, error) {
	return m.chatFn(ctx, messages, schema)
}

func testChunks() []storage.Chunk {
	return []storage.Chunk{
		{ChunkType: "heading", SearchContent: "Liquidity and Capital Resources", PageStart: 7, PageEnd: 7},
		{ChunkType: "table", SubType: "balance_sheet", SearchContent: "| Assets | 2024 |", PageStart: 7, PageEnd: 8},
		{ChunkType: "text", SearchContent: "Cash reserves grew by 12% year over year.", PageStart: 8, PageEnd: 8},
		{ChunkType: "figure", SubType: "chart", SearchContent: "Chart of cash flow.", PageStart: 8, PageEnd: 8},
	}
}

func testMeta() DocumentMeta {
	return DocumentMeta{Filename: "acme_10k.pdf", DocType: "financial_report"}
}

func TestContexts_TemplateStrategy(t *testing.T) {
	e := New(nil, Config{Strategy: StrategyTemplate})
	contexts, usage, warnings := e.Contexts(context.Background(), testMeta(), testChunks())

	if len(warnings) != 0 {
		t.Fatalf("warnings = %v, want none", warnings)
	}
	if usage.Total != 0 {
		t.Errorf("template strategy consumed %d tokens", usage.Total)
	}

	// Headings and figures are skipped by default.
	if contexts[0] != "" || contexts[3] != "" {
		t.Errorf("skipped types got contexts: %q, %q", contexts[0], contexts[3])
	}

	for _, want := range []string{"balance sheet", "pages 7-8", "acme_10k.pdf", "financial_report", `"Liquidity and Capital Resources"`} {
		if !strings.Contains(contexts[1], want) {
			t.Errorf("table context %q missing %q", contexts[1], want)
		}
	}
	if !strings.Contains(contexts[2], "page 8") {
		t.Errorf("text context %q missing single-page span", contexts[2])
	}
}

func TestContexts_LLMStrategy(t *testing.T) {
	var calls atomic.Int32
	llm := &mockLLM{chatFn: func(_ context.Context, messages []provider.Message, _ *provider.Schema) (*provider.ChatResult, error) {
		calls.Add(1)
		if !strings.Contains(messages[1].Content, "acme_10k.pdf") {
			t.Errorf("prompt missing document name: %q", messages[1].Content)
		}
		return &provider.ChatResult{
			Content: "Situates the chunk in the annual report.",
			Usage:   provider.TokenUsage{Input: 50, Output: 10, Total: 60},
		}, nil
	}}

	e := New(llm, Config{Strategy: StrategyLLM})
	contexts, usage, warnings := e.Contexts(context.Background(), testMeta(), testChunks())

	// Two of four chunks are enrichable (heading and figure skipped).
	if got := calls.Load(); got != 2 {
		t.Errorf("llm called %d times, want 2", got)
	}
	if len(warnings) != 0 {
		t.Fatalf("warnings = %v, want none", warnings)
	}
	if contexts[1] == "" || contexts[2] == "" {
		t.Error("enrichable chunks got no context")
	}
	if usage.Total != 120 {
		t.Errorf("usage.Total = %d, want 120", usage.Total)
	}
}

func TestContexts_LLMDegradesPerChunk(t *testing.T) {
	var calls atomic.Int32
	llm := &mockLLM{chatFn: func(context.Context, []provider.Message, *provider.Schema) (*provider.ChatResult, error) {
		if calls.Add(1) == 1 {
			return nil, fmt.Errorf("model overloaded")
		}
		return &provider.ChatResult{Content: "Fine context."}, nil
	}}

	// Concurrency 1 makes call order deterministic.
	e := New(llm, Config{Strategy: StrategyLLM, Concurrency: 1})
	contexts, _, warnings := e.Contexts(context.Background(), testMeta(), testChunks())

	if len(warnings) != 1 {
		t.Fatalf("got %d warnings, want 1: %v", len(warnings), warnings)
	}
	if contexts[1] != "" {
		t.Errorf("failed chunk got context %q, want empty", contexts[1])
	}
	if contexts[2] != "Fine context." {
		t.Errorf("sibling chunk context = %q, want it unaffected", contexts[2])
	}
}

func TestContexts_NoneStrategy(t *testing.T) {
	e := New(nil, Config{Strategy: StrategyNone})
	contexts, _, warnings := e.Contexts(context.Background(), testMeta(), testChunks())

	for i, c := range contexts {
		if c != "" {
			t.Errorf("contexts[%d] = %q, want empty", i, c)
		}
	}
	if warnings != nil {
		t.Errorf("warnings = %v, want nil", warnings)
	}
}

func TestContexts_ExplicitEmptySkipListEnrichesEverything(t *testing.T) {
	e := New(nil, Config{Strategy: StrategyTemplate, SkipTypes: []string{}})
	contexts, _, _ := e.Contexts(context.Background(), testMeta(), testChunks())

	for i, c := range contexts {
		if c == "" {
			t.Errorf("contexts[%d] empty, want every type enriched", i)
		}
	}
}

func TestPrecedingHeadings(t *testing.T) {
	chunks := []storage.Chunk{
		{ChunkType: "text", SearchContent: "Before any heading."},
		{ChunkType: "heading", SearchContent: "Results"},
		{ChunkType: "text", SearchContent: "Under results."},
		{ChunkType: "heading", SearchContent: "Discussion"},
		{ChunkType: "table", SearchContent: "Under discussion."},
	}

	headings := precedingHeadings(chunks)
	want := []string{"", "", "Results", "Results", "Discussion"}
	for i, w := range want {
		if headings[i] != w {
			t.Errorf("headings[%d] = %q, want %q", i, headings[i], w)
		}
	}
}
