package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/docdex/internal/config"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestIngestRequest_Shape(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /documents": `{"document_id":"doc-123","status":"completed","chunk_count":42,"batch_count":3,"failed_batch_count":0,"processing_ms":1500}`,
	})

	client := ts.client()

	req := map[string]any{
		"filename":      "report.pdf",
		"content":       base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 fake")),
		"doc_type":      "invoice",
		"skip_existing": true,
		"async":         false,
	}

	resp, err := client.post(ctx, "/documents", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		DocumentID string `json:"document_id"`
		Status     string `json:"status"`
		ChunkCount int    `json:"chunk_count"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if result.DocumentID != "doc-123" {
		t.Errorf("document_id = %q, want doc-123", result.DocumentID)
	}
	if result.ChunkCount != 42 {
		t.Errorf("chunk_count = %d, want 42", result.ChunkCount)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["doc_type"] != "invoice" {
		t.Errorf("body.doc_type = %v, want invoice", body["doc_type"])
	}
	if body["skip_existing"] != true {
		t.Errorf("body.skip_existing = %v, want true", body["skip_existing"])
	}
	decoded, err := base64.StdEncoding.DecodeString(body["content"].(string))
	if err != nil {
		t.Fatalf("content is not valid base64: %v", err)
	}
	if !strings.HasPrefix(string(decoded), "%PDF") {
		t.Errorf("decoded content = %q, want PDF bytes", decoded)
	}
}

func TestIngestCommand_MissingFile(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ingest"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing file argument")
	}
	if !strings.Contains(err.Error(), "arg") {
		t.Errorf("error = %q, want it to mention the missing argument", err.Error())
	}
}

func TestSearchRequest_RerankBody(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /search": `{"results":[],"mode":"hybrid","reranked":false}`,
	})

	client := ts.client()
	req := map[string]any{
		"query": "termination clause",
		"mode":  "hybrid",
		"limit": 5,
		"rerank": map[string]any{
			"enabled":    true,
			"candidates": 30,
		},
	}

	resp, err := client.post(ctx, "/search", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	rerank, ok := body["rerank"].(map[string]any)
	if !ok {
		t.Fatal("expected rerank to be an object")
	}
	if rerank["enabled"] != true {
		t.Errorf("rerank.enabled = %v, want true", rerank["enabled"])
	}
	if rerank["candidates"] != float64(30) {
		t.Errorf("rerank.candidates = %v, want 30", rerank["candidates"])
	}
}

func TestSearchResponse_Decoding(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /search": `{"results":[{"chunk":{"id":"c-1","document_id":"d-1","type":"paragraph","page_start":3,"page_end":3,"content":"net 30 days"},"score":0.91,"explanation":"semantic+keyword match"}],"mode":"hybrid","reranked":true}`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/search", map[string]any{"query": "payment terms"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Results []struct {
			Chunk struct {
				ID   string `json:"id"`
				Type string `json:"type"`
			} `json:"chunk"`
			Score float64 `json:"score"`
		} `json:"results"`
		Reranked bool `json:"reranked"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if len(result.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(result.Results))
	}
	if result.Results[0].Chunk.ID != "c-1" {
		t.Errorf("chunk id = %q, want c-1", result.Results[0].Chunk.ID)
	}
	if result.Results[0].Score < 0.9 {
		t.Errorf("score = %f, want >= 0.9", result.Results[0].Score)
	}
	if !result.Reranked {
		t.Error("expected reranked=true")
	}
}

func TestStatusEndpoint_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestDocumentsDelete(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"DELETE /documents/doc-1": `{"status":"deleted"}`,
	})

	client := ts.client()
	resp, err := client.delete(ctx, "/documents/doc-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["status"] != "deleted" {
		t.Errorf("status = %q, want deleted", result["status"])
	}
	if ts.requests[0].Method != "DELETE" {
		t.Errorf("method = %q, want DELETE", ts.requests[0].Method)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	client.token = "my-secret-token"

	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if ts.requests[0].Auth != "Bearer my-secret-token" {
		t.Errorf("auth = %q, want 'Bearer my-secret-token'", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"unauthorized","type":"authentication_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "bad-token",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, "/documents")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %q, want it to contain '401'", err.Error())
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4700
	cfg.Embedding.Model = "nomic-embed-text"

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("expected non-empty keys from ShowAll")
	}

	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4700" {
			found = true
		}
		if strings.Contains(k.Key, "api_key") {
			t.Errorf("ShowAll leaked secret key %q", k.Key)
		}
	}
	if !found {
		t.Error("expected to find server.port=4700 in ShowAll output")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is far too long", 7, "this is..."},
		{"", 5, ""},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.max)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
