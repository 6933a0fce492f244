// Package embeddings turns text into vectors for the episodic memory index.
//
// Providers: an OpenAI-compatible HTTP endpoint through langchaingo (which
// also covers TEI's /v1 API), FastEmbed running a local ONNX model in cgo
// builds, and a dependency-free feature-hashing embedder.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/troubleshootd/internal/config"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Embedder generates vectors. Document and query embeddings may differ for
// asymmetric models.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Provider is an Embedder with a known dimension and releasable resources.
type Provider interface {
	Embedder
	Dimension() int
	Close() error
}

// NewProvider builds the provider named in cfg. dimension is used when the
// model's dimension cannot be inferred.
func NewProvider(cfg config.EmbeddingsConfig, dimension int) (Provider, error) {
	switch cfg.Provider {
	case "tei", "openai", "":
		p, err := NewOpenAICompatible(OpenAIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey.Value(),
			Dimension: dimensionFor(cfg.Model, dimension),
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "fastembed":
		p, err := NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "hash":
		return NewHashEmbedder(dimension), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// dimensionFor guesses a model's output size from its name.
func dimensionFor(model string, fallback int) int {
	if dim, ok := knownDimensions[model]; ok {
		return dim
	}
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "large"):
		return 1024
	case strings.Contains(m, "base"):
		return 768
	case strings.Contains(m, "small"), strings.Contains(m, "mini"):
		return 384
	}
	if fallback > 0 {
		return fallback
	}
	return 384
}

var knownDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-base-en-v1.5":                  768,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
	"text-embedding-3-small":                 1536,
	"text-embedding-3-large":                 3072,
	"text-embedding-ada-002":                 1536,
}
