// Package vectorstore stores episode summaries as embeddings and answers
// nearest-neighbour queries over them.
//
// Implementations:
//   - ChromemIndex: embedded chromem-go, in memory or persisted to disk (default)
//   - QdrantIndex: external Qdrant over gRPC
package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/troubleshootd/internal/config"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("troubleshootd/vectorstore")

var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyDocument indicates a document without content.
	ErrEmptyDocument = errors.New("empty document")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("failed to generate embeddings")

	// ErrConnectionFailed indicates the index backend is unreachable.
	ErrConnectionFailed = errors.New("vector index unreachable")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("vector index closed")
)

// Embedder generates vector embeddings from text.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Document is a record to index. Metadata values are strings so that every
// backend can filter on them by exact match.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// Result is a query hit. Similarity is cosine similarity, higher is closer.
type Result struct {
	ID         string
	Content    string
	Similarity float32
	Metadata   map[string]string
}

// Index is an append-only similarity index.
type Index interface {
	// Add embeds and stores a document.
	Add(ctx context.Context, doc Document) error

	// Query returns up to k documents nearest to text whose metadata
	// matches every filter entry, most similar first.
	Query(ctx context.Context, text string, filter map[string]string, k int) ([]Result, error)

	// Ping checks backend reachability.
	Ping(ctx context.Context) error

	Close() error
}

// New builds the index selected by cfg.
func New(ctx context.Context, cfg config.VectorStoreConfig, embedder Embedder, logger *zap.Logger) (Index, error) {
	switch cfg.Provider {
	case "chromem", "":
		idx, err := NewChromemIndex(ChromemConfig{
			Path:       cfg.ChromemPath,
			Compress:   cfg.ChromemCompress,
			Collection: cfg.Collection,
		}, embedder, logger)
		if err != nil {
			return nil, err
		}
		return idx, nil
	case "qdrant":
		idx, err := NewQdrantIndex(ctx, QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			APIKey:     cfg.QdrantAPIKey.Value(),
			UseTLS:     cfg.QdrantTLS,
			Collection: cfg.Collection,
			VectorSize: cfg.VectorSize,
		}, embedder, logger)
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("%w: unknown vector store provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
