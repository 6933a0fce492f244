package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const (
	payloadContent = "content"
	payloadDocID   = "doc_id"
)

// QdrantConfig configures the Qdrant-backed index.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	VectorSize int

	// MaxMessageSize bounds gRPC messages. Defaults to 50MB.
	MaxMessageSize int
}

// Validate validates the configuration.
func (c *QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: qdrant host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid qdrant port %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	if c.Collection == "" {
		return fmt.Errorf("%w: collection required", ErrInvalidConfig)
	}
	return nil
}

// QdrantIndex is an Index backed by a Qdrant collection with cosine distance.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	embedder   Embedder
	logger     *zap.Logger
}

// NewQdrantIndex connects, checks health and creates the collection when
// it does not exist.
func NewQdrantIndex(ctx context.Context, cfg QdrantConfig, embedder Embedder, logger *zap.Logger) (*QdrantIndex, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ErrInvalidConfig)
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 50 * 1024 * 1024
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.UseTLS {
		logger.Warn("qdrant gRPC using plaintext; enable TLS outside development")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	idx := &QdrantIndex{client: client, collection: cfg.Collection, embedder: embedder, logger: logger}

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := idx.Ping(initCtx); err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := idx.ensureCollection(initCtx, cfg.VectorSize); err != nil {
		_ = client.Close()
		return nil, err
	}
	return idx, nil
}

func (q *QdrantIndex) ensureCollection(ctx context.Context, size int) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", q.collection, err)
	}
	if exists {
		return nil
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(size),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", q.collection, err)
	}
	q.logger.Info("created qdrant collection", zap.String("collection", q.collection), zap.Int("vector_size", size))
	return nil
}

func (q *QdrantIndex) Add(ctx context.Context, doc Document) (err error) {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Add")
	defer span.End()
	start := time.Now()
	defer func() {
		record("qdrant", "add", start, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if doc.Content == "" {
		return ErrEmptyDocument
	}
	vectors, err := q.embedder.EmbedDocuments(ctx, []string{doc.Content})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(vectors) != 1 {
		return fmt.Errorf("%w: got %d vectors for 1 document", ErrEmbeddingFailed, len(vectors))
	}

	_, err = q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(pointID(doc.ID)),
			Vectors: qdrant.NewVectors(vectors[0]...),
			Payload: toPayload(doc),
		}},
	})
	if err != nil {
		return fmt.Errorf("upserting %s: %w", doc.ID, err)
	}
	span.SetAttributes(attribute.String("document.id", doc.ID))
	return nil
}

func (q *QdrantIndex) Query(ctx context.Context, text string, filter map[string]string, k int) (results []Result, err error) {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Query")
	defer span.End()
	start := time.Now()
	defer func() {
		record("qdrant", "query", start, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if k <= 0 || text == "" {
		return nil, nil
	}
	vector, err := q.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vector...),
		Filter:         toFilter(filter),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", q.collection, err)
	}

	results = make([]Result, 0, len(points))
	for _, p := range points {
		results = append(results, fromPayload(p.GetPayload(), p.GetScore()))
	}
	span.SetAttributes(attribute.Int("results", len(results)))
	return results, nil
}

func (q *QdrantIndex) Ping(ctx context.Context) error {
	if _, err := q.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}

func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

// pointID maps an arbitrary document id onto the UUID space Qdrant requires.
func pointID(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

func toPayload(doc Document) map[string]*qdrant.Value {
	payload := make(map[string]*qdrant.Value, len(doc.Metadata)+2)
	for k, v := range doc.Metadata {
		payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
	}
	payload[payloadContent] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: doc.Content}}
	payload[payloadDocID] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: doc.ID}}
	return payload
}

func fromPayload(payload map[string]*qdrant.Value, score float32) Result {
	r := Result{Similarity: score, Metadata: make(map[string]string, len(payload))}
	for k, v := range payload {
		s := v.GetStringValue()
		switch k {
		case payloadContent:
			r.Content = s
		case payloadDocID:
			r.ID = s
		default:
			r.Metadata[k] = s
		}
	}
	return r
}

// toFilter builds a must-match-all keyword filter. Keys are sorted so the
// request is stable.
func toFilter(filter map[string]string) *qdrant.Filter {
	if len(filter) == 0 {
		return nil
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	conditions := make([]*qdrant.Condition, 0, len(keys))
	for _, k := range keys {
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: k,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: filter[k]},
					},
				},
			},
		})
	}
	return &qdrant.Filter{Must: conditions}
}

var _ Index = (*QdrantIndex)(nil)
