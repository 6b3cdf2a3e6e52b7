package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOllamaLLM_Chat(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		json.NewEncoder(w).Encode(ollamaChatResponse{
			Message:         Message{Role: RoleAssistant, Content: `{"ok":true}`},
			PromptEvalCount: 120,
			EvalCount:       30,
		})
	}))
	defer srv.Close()

	llm := NewOllamaLLM(srv.URL, "llama3.1")
	schema := &Schema{Type: "object", Properties: map[string]SchemaProperty{
		"ok": {Type: "boolean"},
	}}
	result, err := llm.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, schema)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if got.Model != "llama3.1" {
		t.Errorf("request model = %q, want llama3.1", got.Model)
	}
	if got.Stream {
		t.Error("request stream = true, want false")
	}
	if got.Format == nil {
		t.Error("request format is nil, want schema")
	}
	if result.Content != `{"ok":true}` {
		t.Errorf("Content = %q", result.Content)
	}
	if result.Usage.Input != 120 || result.Usage.Output != 30 || result.Usage.Total != 150 {
		t.Errorf("Usage = %+v, want 120/30/150", result.Usage)
	}
}

func TestOllamaLLM_ChatOmitsFormatWithoutSchema(t *testing.T) {
	var raw map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		json.NewEncoder(w).Encode(ollamaChatResponse{Message: Message{Content: "plain"}})
	}))
	defer srv.Close()

	llm := NewOllamaLLM(srv.URL, "llama3.1")
	if _, err := llm.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if _, ok := raw["format"]; ok {
		t.Error("request carried format without a schema")
	}
}

func TestOllamaLLM_ChatErrorTyping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
		rateLimit bool
	}{
		{"rate limited", http.StatusTooManyRequests, true, true},
		{"server error", http.StatusInternalServerError, true, false},
		{"bad request", http.StatusBadRequest, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			llm := NewOllamaLLM(srv.URL, "llama3.1")
			_, err := llm.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
			if err == nil {
				t.Fatal("Chat succeeded, want error")
			}

			var ae *APIError
			if !errors.As(err, &ae) {
				t.Fatalf("error %v is not an APIError", err)
			}
			if ae.Status != tt.status {
				t.Errorf("Status = %d, want %d", ae.Status, tt.status)
			}
			if ae.Retryable() != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", ae.Retryable(), tt.retryable)
			}
			if IsRateLimit(err) != tt.rateLimit {
				t.Errorf("IsRateLimit() = %v, want %v", IsRateLimit(err), tt.rateLimit)
			}
		})
	}
}

func TestOllamaEmbedder_BatchPrefixesNomicTasks(t *testing.T) {
	var got ollamaEmbedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("path = %q, want /api/embed", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		json.NewEncoder(w).Encode(ollamaEmbedResponse{
			Embeddings:      [][]float32{{0.1, 0.2}, {0.3, 0.4}},
			PromptEvalCount: 12,
		})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(srv.URL, "nomic-embed-text", 2)
	result, err := e.EmbedBatch(context.Background(), []string{"alpha", "beta"}, TaskDocument)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}

	for i, in := range got.Input {
		if !strings.HasPrefix(in, "search_document: ") {
			t.Errorf("input[%d] = %q, want search_document prefix", i, in)
		}
	}
	if len(result.Vectors) != 2 {
		t.Fatalf("got %d vectors, want 2", len(result.Vectors))
	}
	if result.Usage.Input != 12 {
		t.Errorf("Usage.Input = %d, want 12", result.Usage.Input)
	}
}

func TestOllamaEmbedder_QueryPrefix(t *testing.T) {
	var got ollamaEmbedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: [][]float32{{1, 2}}})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(srv.URL, "nomic-embed-text", 2)
	vec, err := e.Embed(context.Background(), "find things", TaskQuery)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 {
		t.Fatalf("got vector of length %d, want 2", len(vec))
	}
	if got.Input[0] != "search_query: find things" {
		t.Errorf("input = %q, want search_query prefix", got.Input[0])
	}
}

func TestOllamaEmbedder_NoPrefixForOtherModels(t *testing.T) {
	var got ollamaEmbedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: [][]float32{{1}}})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(srv.URL, "mxbai-embed-large", 1)
	if _, err := e.Embed(context.Background(), "plain text", TaskDocument); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if got.Input[0] != "plain text" {
		t.Errorf("input = %q, want unprefixed text", got.Input[0])
	}
}

func TestOllamaEmbedder_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: [][]float32{{1}}})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(srv.URL, "nomic-embed-text", 1)
	_, err := e.EmbedBatch(context.Background(), []string{"a", "b"}, TaskDocument)
	if err == nil {
		t.Fatal("EmbedBatch succeeded with mismatched counts, want error")
	}
}
