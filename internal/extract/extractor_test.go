package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/kalambet/docdex/internal/provider"
)

type mockLLM struct {
	chatFn func(ctx context.Context, messages []provider.Message, schema *provider.Schema) (*provider.ChatResult, error)
}

func (m *mockLLM) Chat(ctx context.Context, messages []provider.Message, schema *provider.Schema) (*provider.ChatResult, error) {
	return m.chatFn(ctx, messages, schema)
}

func testRequest() Request {
	return Request{
		DocType:   "research_paper",
		Filename:  "paper.pdf",
		PageStart: 1,
		PageEnd:   15,
		Text:      "--- Page 1 ---\nAbstract text here.\n",
	}
}

func TestExtractor_StructuredSendsSchema(t *testing.T) {
	var gotSchema *provider.Schema
	llm := &mockLLM{chatFn: func(_ context.Context, _ []provider.Message, schema *provider.Schema) (*provider.ChatResult, error) {
		gotSchema = schema
		return &provider.ChatResult{
			Content: `{"chunks":[{"type":"text","page":1,"confidence":0.9,"content":"Abstract text from page one."}]}`,
			Usage:   provider.TokenUsage{Input: 200, Output: 50, Total: 250},
		}, nil
	}}

	result, err := NewExtractor(llm).Structured(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Structured: %v", err)
	}

	if gotSchema == nil {
		t.Fatal("structured call sent no schema")
	}
	if _, ok := gotSchema.Properties["chunks"]; !ok {
		t.Error("schema missing chunks property")
	}
	if result.Path != PathStructured {
		t.Errorf("Path = %q, want structured", result.Path)
	}
	if len(result.Candidates) != 1 {
		t.Fatalf("got %d candidates, want 1", len(result.Candidates))
	}
	if result.Usage.Total != 250 {
		t.Errorf("Usage.Total = %d, want 250", result.Usage.Total)
	}
}

func TestExtractor_StructuredValidationError(t *testing.T) {
	llm := &mockLLM{chatFn: func(context.Context, []provider.Message, *provider.Schema) (*provider.ChatResult, error) {
		return &provider.ChatResult{
			Content: "I could not produce JSON, sorry about that.",
			Usage:   provider.TokenUsage{Input: 180, Output: 12, Total: 192},
		}, nil
	}}

	_, err := NewExtractor(llm).Structured(context.Background(), testRequest())
	if err == nil {
		t.Fatal("Structured succeeded on prose response, want validation error")
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error %v is not a ValidationError", err)
	}
	if verr.Retryable() {
		t.Error("ValidationError.Retryable() = true, want false")
	}
	// Tokens spent on the invalid response still count toward the document.
	if verr.Usage.Total != 192 {
		t.Errorf("ValidationError.Usage.Total = %d, want 192", verr.Usage.Total)
	}
}

func TestExtractor_FreeTextOmitsSchema(t *testing.T) {
	var gotSchema *provider.Schema
	var gotSystem string
	llm := &mockLLM{chatFn: func(_ context.Context, messages []provider.Message, schema *provider.Schema) (*provider.ChatResult, error) {
		gotSchema = schema
		gotSystem = messages[0].Content
		return &provider.ChatResult{
			Content: "[[chunk type=\"text\" page=\"1\" confidence=\"0.8\"]]\nRecovered through markers.\n[[/chunk]]",
		}, nil
	}}

	result, err := NewExtractor(llm).FreeText(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("FreeText: %v", err)
	}

	if gotSchema != nil {
		t.Error("free-text call sent a schema")
	}
	if !strings.Contains(gotSystem, "[[chunk") {
		t.Error("free-text system prompt does not describe markers")
	}
	if result.Path != PathMarkers {
		t.Errorf("Path = %q, want markers", result.Path)
	}
}

func TestExtractor_ChatErrorPassesThrough(t *testing.T) {
	llm := &mockLLM{chatFn: func(context.Context, []provider.Message, *provider.Schema) (*provider.ChatResult, error) {
		return nil, fmt.Errorf("connection refused")
	}}

	if _, err := NewExtractor(llm).Structured(context.Background(), testRequest()); err == nil {
		t.Error("Structured swallowed the chat error")
	}
	if _, err := NewExtractor(llm).FreeText(context.Background(), testRequest()); err == nil {
		t.Error("FreeText swallowed the chat error")
	}
}

func TestBuildMessages_CarryInstructions(t *testing.T) {
	req := testRequest()
	req.Instructions = "Treat every exhibit as a table."
	req.ChunkStrategy = "by_section"

	for _, messages := range [][]provider.Message{BuildStructuredMessages(req), BuildFreeTextMessages(req)} {
		if len(messages) != 2 {
			t.Fatalf("got %d messages, want 2", len(messages))
		}
		user := messages[1].Content
		for _, want := range []string{"research_paper", "Treat every exhibit as a table.", "by_section", "Pages 1-15"} {
			if !strings.Contains(user, want) {
				t.Errorf("user message missing %q", want)
			}
		}
	}
}
