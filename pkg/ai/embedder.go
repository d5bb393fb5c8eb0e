package ai

import (
	"context"
	"fmt"
	"strings"
)

// Gemini task types. Ollama ignores them.
const (
	TaskRetrievalDocument = "RETRIEVAL_DOCUMENT"
	TaskRetrievalQuery    = "RETRIEVAL_QUERY"

	embedBatchSize = 64
)

// Embedder provides embeddings for text.
type Embedder interface {
	EmbedText(ctx context.Context, text, taskType string) ([]float32, error)
}

// BatchEmbedder optionally supports embedding multiple texts at once.
type BatchEmbedder interface {
	EmbedTexts(ctx context.Context, texts []string, taskType string) ([][]float32, error)
}

// EmbedderConfig selects and configures an embedding provider. An empty
// provider disables embeddings.
type EmbedderConfig struct {
	Provider   string
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
}

// NewEmbedder builds the Embedder for cfg.Provider, or nil when disabled.
func NewEmbedder(cfg EmbedderConfig) (Embedder, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "none":
		return nil, nil
	case ProviderOllama:
		if strings.TrimSpace(cfg.Model) == "" {
			return nil, fmt.Errorf("ollama embedding model required")
		}
		return NewOllamaEmbedder(NewOllamaClient(cfg.BaseURL), cfg.Model, cfg.Dimensions), nil
	case ProviderGemini:
		client, err := NewGeminiClient(cfg.APIKey)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(cfg.BaseURL) != "" {
			client.baseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
		}
		return NewGeminiEmbedder(client, cfg.Model, cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// OllamaEmbedder wraps Ollama embedding calls with a fixed model and dimension.
type OllamaEmbedder struct {
	client     *OllamaClient
	model      string
	dimensions int
}

// NewOllamaEmbedder builds an Ollama-based embedder.
func NewOllamaEmbedder(client *OllamaClient, model string, dimensions int) *OllamaEmbedder {
	return &OllamaEmbedder{client: client, model: strings.TrimSpace(model), dimensions: dimensions}
}

// EmbedText returns embeddings for text using Ollama.
func (e *OllamaEmbedder) EmbedText(ctx context.Context, text, _ string) ([]float32, error) {
	return e.client.EmbedText(ctx, e.model, text, e.dimensions)
}

// EmbedTexts returns embeddings for multiple texts using Ollama.
func (e *OllamaEmbedder) EmbedTexts(ctx context.Context, texts []string, _ string) ([][]float32, error) {
	return e.client.EmbedTexts(ctx, e.model, texts, e.dimensions)
}

// GeminiEmbedder binds a GeminiClient to one embedding model.
type GeminiEmbedder struct {
	client     *GeminiClient
	model      string
	dimensions int
}

// NewGeminiEmbedder builds a Gemini-based embedder.
func NewGeminiEmbedder(client *GeminiClient, model string, dimensions int) *GeminiEmbedder {
	model = normalizeModel(model)
	if model == "" {
		model = defaultGeminiEmbeddingModel
	}
	return &GeminiEmbedder{client: client, model: model, dimensions: dimensions}
}

// EmbedText returns embeddings for text using embedContent.
func (e *GeminiEmbedder) EmbedText(ctx context.Context, text, taskType string) ([]float32, error) {
	return e.client.EmbedText(ctx, e.model, text, taskType, e.dimensions)
}

// EmbedTexts returns embeddings for multiple texts using batchEmbedContents.
func (e *GeminiEmbedder) EmbedTexts(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	return e.client.EmbedTexts(ctx, e.model, texts, taskType, e.dimensions)
}

// embedAll embeds texts in order, batching when the embedder supports it.
func embedAll(ctx context.Context, e Embedder, texts []string, taskType string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	batcher, ok := e.(BatchEmbedder)
	if !ok {
		for _, text := range texts {
			vec, err := e.EmbedText(ctx, text, taskType)
			if err != nil {
				return nil, err
			}
			out = append(out, vec)
		}
		return out, nil
	}
	for start := 0; start < len(texts); start += embedBatchSize {
		end := min(start+embedBatchSize, len(texts))
		vecs, err := batcher.EmbedTexts(ctx, texts[start:end], taskType)
		if err != nil {
			return nil, err
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("embedding batch returned %d vectors for %d texts", len(vecs), end-start)
		}
		out = append(out, vecs...)
	}
	return out, nil
}
