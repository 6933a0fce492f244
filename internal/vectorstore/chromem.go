package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// ChromemConfig configures the embedded index.
type ChromemConfig struct {
	// Path persists the index under this directory. Empty keeps it in memory.
	Path string

	// Compress gzips persisted documents.
	Compress bool

	Collection string
}

// ChromemIndex is an Index backed by chromem-go.
type ChromemIndex struct {
	mu         sync.RWMutex
	db         *chromem.DB
	collection *chromem.Collection
	embedder   Embedder
	logger     *zap.Logger
	closed     bool
}

// NewChromemIndex opens or creates the collection.
func NewChromemIndex(cfg ChromemConfig, embedder Embedder, logger *zap.Logger) (*ChromemIndex, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ErrInvalidConfig)
	}
	if cfg.Collection == "" {
		cfg.Collection = "episodes"
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandHome(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	embed := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.EmbedQuery(ctx, text)
	}
	col, err := db.GetOrCreateCollection(cfg.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", cfg.Collection, err)
	}

	logger.Info("chromem index initialized",
		zap.String("path", cfg.Path),
		zap.String("collection", cfg.Collection),
		zap.Int("documents", col.Count()),
	)

	return &ChromemIndex{db: db, collection: col, embedder: embedder, logger: logger}, nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, path[1:]), nil
}

func (c *ChromemIndex) Add(ctx context.Context, doc Document) (err error) {
	ctx, span := tracer.Start(ctx, "ChromemIndex.Add")
	defer span.End()
	start := time.Now()
	defer func() {
		record("chromem", "add", start, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if doc.Content == "" {
		return ErrEmptyDocument
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}

	vectors, err := c.embedder.EmbedDocuments(ctx, []string{doc.Content})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(vectors) != 1 {
		return fmt.Errorf("%w: got %d vectors for 1 document", ErrEmbeddingFailed, len(vectors))
	}

	err = c.collection.AddDocument(ctx, chromem.Document{
		ID:        doc.ID,
		Content:   doc.Content,
		Metadata:  doc.Metadata,
		Embedding: vectors[0],
	})
	if err != nil {
		return fmt.Errorf("adding document %s: %w", doc.ID, err)
	}
	span.SetAttributes(attribute.String("document.id", doc.ID))
	return nil
}

func (c *ChromemIndex) Query(ctx context.Context, text string, filter map[string]string, k int) (results []Result, err error) {
	ctx, span := tracer.Start(ctx, "ChromemIndex.Query")
	defer span.End()
	start := time.Now()
	defer func() {
		record("chromem", "query", start, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if k <= 0 || text == "" {
		return nil, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}

	// chromem rejects nResults above the collection size.
	count := c.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	vector, err := c.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	var where map[string]string
	if len(filter) > 0 {
		where = filter
	}
	hits, err := c.collection.QueryEmbedding(ctx, vector, k, where, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	results = make([]Result, len(hits))
	for i, h := range hits {
		results[i] = Result{ID: h.ID, Content: h.Content, Similarity: h.Similarity, Metadata: h.Metadata}
	}
	span.SetAttributes(attribute.Int("results", len(results)))
	c.logger.Debug("queried chromem index", zap.Int("k", k), zap.Int("results", len(results)))
	return results, nil
}

func (c *ChromemIndex) Ping(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return ctx.Err()
}

// Close marks the index closed. Persisted collections are written on every
// add, so nothing is flushed here.
func (c *ChromemIndex) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

var _ Index = (*ChromemIndex)(nil)
