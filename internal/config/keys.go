package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DOCDEX_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "log.level", typ: kString, env: "DOCDEX_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DOCDEX_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "extraction.provider", typ: kString, env: "DOCDEX_EXTRACTION_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Extraction.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Extraction.Provider },
	},
	{
		key: "extraction.base_url", typ: kString, env: "DOCDEX_EXTRACTION_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Extraction.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Extraction.BaseURL },
	},
	{
		key: "extraction.model", typ: kString, env: "DOCDEX_EXTRACTION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Extraction.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Extraction.Model },
	},
	{
		key: "extraction.api_key", typ: kString, env: "DOCDEX_EXTRACTION_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Extraction.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Extraction.APIKey },
	},
	{
		key: "embedding.provider", typ: kString, env: "DOCDEX_EMBEDDING_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Provider },
	},
	{
		key: "embedding.base_url", typ: kString, env: "DOCDEX_EMBEDDING_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.BaseURL },
	},
	{
		key: "embedding.model", typ: kString, env: "DOCDEX_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.api_key", typ: kString, env: "DOCDEX_EMBEDDING_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Embedding.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.APIKey },
	},
	{
		key: "embedding.dimension", typ: kInt, env: "DOCDEX_EMBEDDING_DIMENSION",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Dimension = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.Dimension },
	},
	{
		key: "enrichment.strategy", typ: kString, env: "DOCDEX_ENRICHMENT_STRATEGY",
		apply:   func(cfg *Config, v any) { cfg.Enrichment.Strategy = v.(string) },
		extract: func(cfg Config) any { return cfg.Enrichment.Strategy },
	},
	{
		key: "enrichment.concurrency", typ: kInt, env: "DOCDEX_ENRICHMENT_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Enrichment.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Enrichment.Concurrency },
	},
	{
		key: "enrichment.skip_types", typ: kString, env: "DOCDEX_ENRICHMENT_SKIP_TYPES",
		apply:   func(cfg *Config, v any) { cfg.Enrichment.SkipTypes = v.(string) },
		extract: func(cfg Config) any { return cfg.Enrichment.SkipTypes },
	},
	{
		key: "ingestion.pages_per_batch", typ: kInt, env: "DOCDEX_INGESTION_PAGES_PER_BATCH",
		apply:   func(cfg *Config, v any) { cfg.Ingestion.PagesPerBatch = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingestion.PagesPerBatch },
	},
	{
		key: "ingestion.max_concurrency", typ: kInt, env: "DOCDEX_INGESTION_MAX_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Ingestion.MaxConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingestion.MaxConcurrency },
	},
	{
		key: "ingestion.max_retries", typ: kInt, env: "DOCDEX_INGESTION_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Ingestion.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingestion.MaxRetries },
	},
	{
		key: "ingestion.retry_delay_ms", typ: kInt, env: "DOCDEX_INGESTION_RETRY_DELAY_MS",
		apply:   func(cfg *Config, v any) { cfg.Ingestion.RetryDelayMs = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingestion.RetryDelayMs },
	},
	{
		key: "ingestion.backoff_multiplier", typ: kFloat, env: "DOCDEX_INGESTION_BACKOFF_MULTIPLIER",
		apply:   func(cfg *Config, v any) { cfg.Ingestion.BackoffMultiplier = v.(float64) },
		extract: func(cfg Config) any { return cfg.Ingestion.BackoffMultiplier },
	},
	{
		key: "ingestion.requests_per_minute", typ: kInt, env: "DOCDEX_INGESTION_REQUESTS_PER_MINUTE",
		apply:   func(cfg *Config, v any) { cfg.Ingestion.RequestsPerMinute = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingestion.RequestsPerMinute },
	},
	{
		key: "search.default_limit", typ: kInt, env: "DOCDEX_SEARCH_DEFAULT_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Search.DefaultLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.DefaultLimit },
	},
	{
		key: "rerank.variant", typ: kString, env: "DOCDEX_RERANK_VARIANT",
		apply:   func(cfg *Config, v any) { cfg.Rerank.Variant = v.(string) },
		extract: func(cfg Config) any { return cfg.Rerank.Variant },
	},
	{
		key: "rerank.base_url", typ: kString, env: "DOCDEX_RERANK_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Rerank.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Rerank.BaseURL },
	},
	{
		key: "rerank.api_key", typ: kString, env: "DOCDEX_RERANK_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Rerank.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Rerank.APIKey },
	},
	{
		key: "rerank.model", typ: kString, env: "DOCDEX_RERANK_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Rerank.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Rerank.Model },
	},
	{
		key: "rerank.candidates", typ: kInt, env: "DOCDEX_RERANK_CANDIDATES",
		apply:   func(cfg *Config, v any) { cfg.Rerank.Candidates = v.(int) },
		extract: func(cfg Config) any { return cfg.Rerank.Candidates },
	},
	{
		key: "rerank.timeout_ms", typ: kInt, env: "DOCDEX_RERANK_TIMEOUT_MS",
		apply:   func(cfg *Config, v any) { cfg.Rerank.TimeoutMs = v.(int) },
		extract: func(cfg Config) any { return cfg.Rerank.TimeoutMs },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
