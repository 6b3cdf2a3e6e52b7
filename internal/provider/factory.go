package provider

import (
	"context"
	"fmt"
)

// LLMConfig selects and points at a chat-capable provider.
type LLMConfig struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
}

// EmbedderConfig selects and points at an embedding provider.
type EmbedderConfig struct {
	Provider  string
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int
}

// NewLLM constructs the chat client named by cfg.Provider.
func NewLLM(cfg LLMConfig) (LLM, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllamaLLM(cfg.BaseURL, cfg.Model), nil
	case "openai":
		return NewOpenAILLM(cfg.BaseURL, cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// NewEmbedder constructs the embedding client named by cfg.Provider.
func NewEmbedder(ctx context.Context, cfg EmbedderConfig) (Embedder, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllamaEmbedder(cfg.BaseURL, cfg.Model, cfg.Dimension), nil
	case "openai":
		return NewOpenAIEmbedder(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Dimension)
	case "gemini":
		return NewGeminiEmbedder(ctx, cfg.APIKey, cfg.Model, cfg.Dimension)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
