package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// mockBackend is an in-memory ConfigBackend for Load tests.
type mockBackend struct {
	strings map[string]string
	ints    map[string]int
}

func (m mockBackend) GetString(key string) (string, bool, error) {
	v, ok := m.strings[key]
	return v, ok, nil
}

func (m mockBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.ints[key]
	return v, ok, nil
}

func (m mockBackend) SetString(key, val string) error  { return nil }
func (m mockBackend) SetInt(key string, val int) error { return nil }
func (m mockBackend) Delete(key string) error          { return nil }

// TestDefaults verifies all default values survive a load from an empty backend.
func TestDefaults(t *testing.T) {
	cfg, err := loadWith(mockBackend{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4700 {
		t.Errorf("Server.Port = %d, want 4700", cfg.Server.Port)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Extraction.Provider != "ollama" {
		t.Errorf("Extraction.Provider = %q, want %q", cfg.Extraction.Provider, "ollama")
	}
	if cfg.Extraction.Model != "llama3.1" {
		t.Errorf("Extraction.Model = %q, want %q", cfg.Extraction.Model, "llama3.1")
	}
	if cfg.Embedding.Model != "nomic-embed-text" {
		t.Errorf("Embedding.Model = %q, want %q", cfg.Embedding.Model, "nomic-embed-text")
	}
	if cfg.Embedding.Dimension != 768 {
		t.Errorf("Embedding.Dimension = %d, want 768", cfg.Embedding.Dimension)
	}
	if cfg.Enrichment.Strategy != "template" {
		t.Errorf("Enrichment.Strategy = %q, want %q", cfg.Enrichment.Strategy, "template")
	}
	if cfg.Ingestion.PagesPerBatch != 15 {
		t.Errorf("Ingestion.PagesPerBatch = %d, want 15", cfg.Ingestion.PagesPerBatch)
	}
	if cfg.Ingestion.MaxConcurrency != 4 {
		t.Errorf("Ingestion.MaxConcurrency = %d, want 4", cfg.Ingestion.MaxConcurrency)
	}
	if cfg.Ingestion.BackoffMultiplier != 2.0 {
		t.Errorf("Ingestion.BackoffMultiplier = %v, want 2.0", cfg.Ingestion.BackoffMultiplier)
	}
	if cfg.Ingestion.RetryDelay() != time.Second {
		t.Errorf("Ingestion.RetryDelay() = %v, want 1s", cfg.Ingestion.RetryDelay())
	}
	if cfg.Search.DefaultLimit != 10 {
		t.Errorf("Search.DefaultLimit = %d, want 10", cfg.Search.DefaultLimit)
	}
	if cfg.Rerank.Variant != "none" {
		t.Errorf("Rerank.Variant = %q, want %q", cfg.Rerank.Variant, "none")
	}
	if cfg.Rerank.Candidates != 30 {
		t.Errorf("Rerank.Candidates = %d, want 30", cfg.Rerank.Candidates)
	}
	if cfg.Rerank.Timeout() != 10*time.Second {
		t.Errorf("Rerank.Timeout() = %v, want 10s", cfg.Rerank.Timeout())
	}
}

// TestBackendValues verifies backend values are applied over defaults,
// and that secrets are never read from the backend.
func TestBackendValues(t *testing.T) {
	b := mockBackend{
		strings: map[string]string{
			"extraction.model":             "qwen2.5",
			"enrichment.skip_types":        "heading",
			"ingestion.backoff_multiplier": "2.5",
			"rerank.variant":               "llm",
			"extraction.api_key":           "file-secret",
		},
		ints: map[string]int{
			"server.port":               5000,
			"embedding.dimension":       1536,
			"ingestion.pages_per_batch": 25,
		},
	}

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Extraction.Model != "qwen2.5" {
		t.Errorf("Extraction.Model = %q, want %q", cfg.Extraction.Model, "qwen2.5")
	}
	if cfg.Embedding.Dimension != 1536 {
		t.Errorf("Embedding.Dimension = %d, want 1536", cfg.Embedding.Dimension)
	}
	if cfg.Ingestion.PagesPerBatch != 25 {
		t.Errorf("Ingestion.PagesPerBatch = %d, want 25", cfg.Ingestion.PagesPerBatch)
	}
	if cfg.Ingestion.BackoffMultiplier != 2.5 {
		t.Errorf("Ingestion.BackoffMultiplier = %v, want 2.5", cfg.Ingestion.BackoffMultiplier)
	}
	if cfg.Rerank.Variant != "llm" {
		t.Errorf("Rerank.Variant = %q, want %q", cfg.Rerank.Variant, "llm")
	}
	if cfg.Extraction.APIKey != "" {
		t.Errorf("Extraction.APIKey = %q, want empty (secrets are env-only)", cfg.Extraction.APIKey)
	}
}

// TestEnvOverride verifies environment variables override backend values.
func TestEnvOverride(t *testing.T) {
	b := mockBackend{ints: map[string]int{"server.port": 5000}}

	t.Setenv("DOCDEX_SERVER_PORT", "8080")
	t.Setenv("DOCDEX_EXTRACTION_API_KEY", "env-key")
	t.Setenv("DOCDEX_INGESTION_BACKOFF_MULTIPLIER", "3.5")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Extraction.APIKey != "env-key" {
		t.Errorf("Extraction.APIKey = %q, want %q", cfg.Extraction.APIKey, "env-key")
	}
	if cfg.Ingestion.BackoffMultiplier != 3.5 {
		t.Errorf("Ingestion.BackoffMultiplier = %v, want 3.5", cfg.Ingestion.BackoffMultiplier)
	}
}

// TestEnvOverrideBadValue verifies an unparseable env value keeps the default.
func TestEnvOverrideBadValue(t *testing.T) {
	t.Setenv("DOCDEX_SERVER_PORT", "not-a-port")

	cfg, err := loadWith(mockBackend{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4700 {
		t.Errorf("Server.Port = %d, want default 4700", cfg.Server.Port)
	}
}

// TestValidation verifies keyless providers need no credentials while
// hosted ones fail fast without them.
func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name: "ollama needs no key",
		},
		{
			name:    "openai extraction without key",
			env:     map[string]string{"DOCDEX_EXTRACTION_PROVIDER": "openai"},
			wantErr: "missing required config",
		},
		{
			name: "openai extraction with key",
			env: map[string]string{
				"DOCDEX_EXTRACTION_PROVIDER": "openai",
				"DOCDEX_EXTRACTION_API_KEY":  "sk-test",
			},
		},
		{
			name:    "gemini embedding without key",
			env:     map[string]string{"DOCDEX_EMBEDDING_PROVIDER": "gemini"},
			wantErr: "missing required config",
		},
		{
			name:    "api reranker without base url",
			env:     map[string]string{"DOCDEX_RERANK_VARIANT": "api"},
			wantErr: "rerank base URL",
		},
		{
			name: "api reranker with base url",
			env: map[string]string{
				"DOCDEX_RERANK_VARIANT":  "api",
				"DOCDEX_RERANK_BASE_URL": "http://localhost:8787",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := loadWith(mockBackend{})
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

// TestFileBackendRoundTrip verifies values survive a save/reload cycle.
func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	b := &fileBackend{path: path, data: make(map[string]any)}
	if err := b.SetString("extraction.model", "qwen2.5"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	if err := b.SetInt("server.port", 9000); err != nil {
		t.Fatalf("SetInt: %v", err)
	}

	// Reload from disk as a fresh backend.
	b2 := &fileBackend{path: path, data: make(map[string]any)}
	b2.load()

	s, ok, err := b2.GetString("extraction.model")
	if err != nil || !ok || s != "qwen2.5" {
		t.Errorf("GetString = (%q, %v, %v), want (%q, true, nil)", s, ok, err, "qwen2.5")
	}
	i, ok, err := b2.GetInt("server.port")
	if err != nil || !ok || i != 9000 {
		t.Errorf("GetInt = (%d, %v, %v), want (9000, true, nil)", i, ok, err)
	}

	if err := b2.Delete("server.port"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	b3 := &fileBackend{path: path, data: make(map[string]any)}
	b3.load()
	if _, ok, _ := b3.GetInt("server.port"); ok {
		t.Error("server.port still present after Delete")
	}
}

// TestFileBackendCorruptFile verifies a broken config file degrades to defaults.
func TestFileBackendCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	b := &fileBackend{path: path, data: make(map[string]any)}
	b.load()

	if _, ok, _ := b.GetString("anything"); ok {
		t.Error("corrupt file should yield no values")
	}
}

// TestFileBackendIntCoercion verifies JSON numbers and strings both read as ints.
func TestFileBackendIntCoercion(t *testing.T) {
	b := &fileBackend{data: map[string]any{
		"whole":    float64(42),
		"fraction": 4.5,
		"string":   "7",
	}}

	if v, ok, err := b.GetInt("whole"); v != 42 || !ok || err != nil {
		t.Errorf("GetInt(whole) = (%d, %v, %v), want (42, true, nil)", v, ok, err)
	}
	if _, _, err := b.GetInt("fraction"); err == nil {
		t.Error("GetInt(fraction) should reject non-integer numbers")
	}
	if v, ok, err := b.GetInt("string"); v != 7 || !ok || err != nil {
		t.Errorf("GetInt(string) = (%d, %v, %v), want (7, true, nil)", v, ok, err)
	}
}

// TestSetKey verifies config set validation and persistence per key type.
func TestSetKey(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if err := SetKey("server.port", "9000"); err != nil {
		t.Fatalf("SetKey(server.port): %v", err)
	}
	if err := SetKey("ingestion.backoff_multiplier", "1.5"); err != nil {
		t.Fatalf("SetKey(backoff_multiplier): %v", err)
	}

	b := newPlatformBackend()
	if v, ok, _ := b.GetInt("server.port"); !ok || v != 9000 {
		t.Errorf("server.port = (%d, %v), want (9000, true)", v, ok)
	}
	if v, ok, _ := b.GetString("ingestion.backoff_multiplier"); !ok || v != "1.5" {
		t.Errorf("backoff_multiplier = (%q, %v), want (%q, true)", v, ok, "1.5")
	}

	if err := SetKey("server.port", "nine thousand"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := SetKey("ingestion.backoff_multiplier", "fast"); err == nil {
		t.Error("expected error for non-float multiplier")
	}
	if err := SetKey("extraction.api_key", "sk-oops"); err == nil {
		t.Error("expected error when setting a secret")
	}
	if err := SetKey("no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}

// TestShowAllOmitsSecrets verifies secrets never appear in config show output.
func TestShowAllOmitsSecrets(t *testing.T) {
	infos := ShowAll(defaults())

	found := false
	for _, ki := range infos {
		if strings.Contains(ki.Key, "api_key") {
			t.Errorf("secret key %q in ShowAll output", ki.Key)
		}
		if ki.Key == "server.port" {
			found = true
			if ki.Value != "4700" {
				t.Errorf("server.port value = %q, want %q", ki.Value, "4700")
			}
			if ki.EnvVar != "DOCDEX_SERVER_PORT" {
				t.Errorf("server.port env = %q, want %q", ki.EnvVar, "DOCDEX_SERVER_PORT")
			}
		}
	}
	if !found {
		t.Error("server.port missing from ShowAll output")
	}
}

// TestSkipTypeList verifies comma splitting and trimming.
func TestSkipTypeList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"heading,figure", []string{"heading", "figure"}},
		{" heading , figure ", []string{"heading", "figure"}},
		{"heading,,figure", []string{"heading", "figure"}},
		{"table", []string{"table"}},
		{"", nil},
		{"  ", nil},
	}

	for _, tt := range tests {
		got := EnrichmentConfig{SkipTypes: tt.in}.SkipTypeList()
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("SkipTypeList(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// TestAPIToken verifies generation, persistence, and file permissions.
func TestAPIToken(t *testing.T) {
	dir := t.TempDir()

	tok, err := APIToken(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tok) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(tok))
	}

	again, err := APIToken(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again != tok {
		t.Errorf("second call returned %q, want the persisted %q", again, tok)
	}

	fi, err := os.Stat(filepath.Join(dir, "api_token"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := fi.Mode().Perm(); perm != 0o600 {
		t.Errorf("token file mode = %o, want 600", perm)
	}
}
