package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Storage    StorageConfig
	Extraction ProviderConfig
	Embedding  EmbeddingConfig
	Enrichment EnrichmentConfig
	Ingestion  IngestionConfig
	Search     SearchConfig
	Rerank     RerankConfig
}

type ServerConfig struct {
	Port int
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir string
}

// ProviderConfig points at a chat-capable model provider.
type ProviderConfig struct {
	Provider string
	BaseURL  string
	Model    string
	APIKey   string
}

// EmbeddingConfig points at an embedding provider. Extraction and
// embedding are configured independently so a local chat model can be
// paired with a hosted embedder (or vice versa).
type EmbeddingConfig struct {
	Provider  string
	BaseURL   string
	Model     string
	APIKey    string
	Dimension int
}

type EnrichmentConfig struct {
	Strategy    string
	Concurrency int
	SkipTypes   string // comma-separated chunk types; empty means the default set
}

// SkipTypeList splits SkipTypes into trimmed entries. Empty input
// returns nil so callers can fall back to their own defaults.
func (c EnrichmentConfig) SkipTypeList() []string {
	if strings.TrimSpace(c.SkipTypes) == "" {
		return nil
	}
	var out []string
	for _, t := range strings.Split(c.SkipTypes, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

type IngestionConfig struct {
	PagesPerBatch     int
	MaxConcurrency    int
	MaxRetries        int
	RetryDelayMs      int
	BackoffMultiplier float64
	RequestsPerMinute int
}

// RetryDelay returns the initial backoff delay as a duration.
func (c IngestionConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

type SearchConfig struct {
	DefaultLimit int
}

type RerankConfig struct {
	Variant    string
	BaseURL    string
	APIKey     string
	Model      string
	Candidates int
	TimeoutMs  int
}

// Timeout returns the per-call reranker budget as a duration.
func (c RerankConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4700,
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Extraction: ProviderConfig{
			Provider: "ollama",
			BaseURL:  "http://localhost:11434",
			Model:    "llama3.1",
		},
		Embedding: EmbeddingConfig{
			Provider:  "ollama",
			BaseURL:   "http://localhost:11434",
			Model:     "nomic-embed-text",
			Dimension: 768,
		},
		Enrichment: EnrichmentConfig{
			Strategy:    "template",
			Concurrency: 4,
		},
		Ingestion: IngestionConfig{
			PagesPerBatch:     15,
			MaxConcurrency:    4,
			MaxRetries:        3,
			RetryDelayMs:      1000,
			BackoffMultiplier: 2.0,
			RequestsPerMinute: 60,
		},
		Search: SearchConfig{
			DefaultLimit: 10,
		},
		Rerank: RerankConfig{
			Variant:    "none",
			Candidates: 30,
			TimeoutMs:  10000,
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/docdex/config.json, then applies DOCDEX_* environment
// variable overrides. Secrets (API keys) are never read from the file;
// they come from environment variables only.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// validate catches configurations that cannot possibly work before any
// provider client is constructed. Ollama is keyless; everything else
// needs credentials up front.
func validate(cfg Config) error {
	if cfg.Extraction.Provider != "ollama" && cfg.Extraction.APIKey == "" {
		return fmt.Errorf("missing required config: API key for extraction provider %q. "+
			"Set it via environment variable DOCDEX_EXTRACTION_API_KEY", cfg.Extraction.Provider)
	}
	if cfg.Embedding.Provider != "ollama" && cfg.Embedding.APIKey == "" {
		return fmt.Errorf("missing required config: API key for embedding provider %q. "+
			"Set it via environment variable DOCDEX_EMBEDDING_API_KEY", cfg.Embedding.Provider)
	}
	if cfg.Rerank.Variant == "api" && cfg.Rerank.BaseURL == "" {
		return fmt.Errorf("missing required config: rerank base URL for the api variant. "+
			"Set rerank.base_url or DOCDEX_RERANK_BASE_URL")
	}
	return nil
}
