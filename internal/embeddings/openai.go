package embeddings

import (
	"context"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIConfig configures an OpenAI-compatible embedding endpoint.
type OpenAIConfig struct {
	// BaseURL is the API root, e.g. http://localhost:8080/v1 for TEI or
	// https://api.openai.com/v1.
	BaseURL string

	Model string

	// APIKey is optional for TEI.
	APIKey string

	Dimension int
}

// Validate validates the configuration.
func (c OpenAIConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	return nil
}

// OpenAICompatible embeds through langchaingo's OpenAI client.
type OpenAICompatible struct {
	embedder  embeddings.Embedder
	model     string
	dimension int
}

// NewOpenAICompatible creates the provider. No request is made until the
// first embedding call.
func NewOpenAICompatible(cfg OpenAIConfig) (*OpenAICompatible, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	token := cfg.APIKey
	if token == "" {
		// langchaingo requires a token even when the server ignores it.
		token = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(token),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return &OpenAICompatible{embedder: embedder, model: cfg.Model, dimension: cfg.Dimension}, nil
}

func (p *OpenAICompatible) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	start := time.Now()
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	observe(p.model, "embed_documents", start, len(texts), err)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vectors, nil
}

func (p *OpenAICompatible) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	start := time.Now()
	vector, err := p.embedder.EmbedQuery(ctx, text)
	observe(p.model, "embed_query", start, 1, err)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vector, nil
}

// Dimension returns the configured embedding size.
func (p *OpenAICompatible) Dimension() int { return p.dimension }

// Close is a no-op; the client holds no resources.
func (p *OpenAICompatible) Close() error { return nil }
