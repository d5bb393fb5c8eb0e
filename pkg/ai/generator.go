package ai

import (
	"context"
	"fmt"
	"strings"
)

// Prompt is one generation request.
type Prompt struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// TextGenerator generates text for a prompt.
// All LLM providers (OpenAI-compatible, Gemini, Ollama) implement this interface.
type TextGenerator interface {
	GenerateText(ctx context.Context, prompt Prompt) (string, error)
}

const (
	ProviderOpenAICompat = "openai"
	ProviderGemini       = "gemini"
	ProviderOllama       = "ollama"

	// DefaultGroqBaseURL is the OpenAI-compatible endpoint used when no base URL is configured.
	DefaultGroqBaseURL = "https://api.groq.com/openai/v1"
	DefaultGroqModel   = "compound-beta"
)

// GeneratorConfig selects and configures a provider.
type GeneratorConfig struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
}

// NewGenerator builds the TextGenerator for cfg.Provider.
func NewGenerator(cfg GeneratorConfig) (TextGenerator, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", ProviderOpenAICompat, "groq":
		baseURL := strings.TrimSpace(cfg.BaseURL)
		if baseURL == "" {
			baseURL = DefaultGroqBaseURL
		}
		model := strings.TrimSpace(cfg.Model)
		if model == "" {
			model = DefaultGroqModel
		}
		return NewOpenAICompatGenerator(baseURL, cfg.APIKey, model), nil
	case ProviderGemini:
		client, err := NewGeminiClient(cfg.APIKey)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(cfg.BaseURL) != "" {
			client.baseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
		}
		return NewGeminiGenerator(client, cfg.Model), nil
	case ProviderOllama:
		return NewOllamaGenerator(NewOllamaClient(cfg.BaseURL), cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Provider)
	}
}
