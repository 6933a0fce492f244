package vectorstore

import (
	"context"
	"errors"
	"testing"

	"github.com/fyrsmithlabs/troubleshootd/internal/config"
	"github.com/fyrsmithlabs/troubleshootd/internal/embeddings"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestChromem(t *testing.T, path string) *ChromemIndex {
	t.Helper()
	idx, err := NewChromemIndex(ChromemConfig{Path: path, Collection: "episodes"}, embeddings.NewHashEmbedder(64), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestChromemIndex_AddAndQuery(t *testing.T) {
	idx := newTestChromem(t, "")
	ctx := context.Background()

	docs := []Document{
		{ID: "ep-1", Content: "checkout pod OOMKilled after memory limit lowered", Metadata: map[string]string{"user_id": "u1", "outcome": "resolved"}},
		{ID: "ep-2", Content: "dns lookup failures for payments service", Metadata: map[string]string{"user_id": "u1", "outcome": "resolved"}},
		{ID: "ep-3", Content: "checkout pod crash loop from bad config", Metadata: map[string]string{"user_id": "u2", "outcome": "escalated"}},
	}
	for _, d := range docs {
		require.NoError(t, idx.Add(ctx, d))
	}

	results, err := idx.Query(ctx, "checkout pod OOMKilled", nil, 10)
	require.NoError(t, err)
	require.Len(t, results, 3, "k is capped at the collection size")
	assert.Equal(t, "ep-1", results[0].ID)
	assert.Equal(t, "resolved", results[0].Metadata["outcome"])
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Similarity, results[i].Similarity)
	}

	filtered, err := idx.Query(ctx, "checkout pod", map[string]string{"user_id": "u2"}, 2)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "ep-3", filtered[0].ID)
}

func TestChromemIndex_EdgeCases(t *testing.T) {
	idx := newTestChromem(t, "")
	ctx := context.Background()

	results, err := idx.Query(ctx, "anything", nil, 5)
	require.NoError(t, err)
	assert.Empty(t, results, "empty collection")

	results, err = idx.Query(ctx, "anything", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, results)

	assert.ErrorIs(t, idx.Add(ctx, Document{ID: "x"}), ErrEmptyDocument)

	require.NoError(t, idx.Ping(ctx))
	require.NoError(t, idx.Close())
	assert.ErrorIs(t, idx.Ping(ctx), ErrClosed)
	assert.ErrorIs(t, idx.Add(ctx, Document{ID: "y", Content: "z"}), ErrClosed)
}

func TestChromemIndex_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := newTestChromem(t, dir)
	require.NoError(t, first.Add(ctx, Document{ID: "ep-1", Content: "disk pressure on node pool"}))
	require.NoError(t, first.Close())

	second := newTestChromem(t, dir)
	results, err := second.Query(ctx, "disk pressure", nil, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "ep-1", results[0].ID)
}

type failingEmbedder struct{}

func (failingEmbedder) EmbedDocuments(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("embedding backend down")
}

func (failingEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedding backend down")
}

func TestChromemIndex_EmbeddingFailure(t *testing.T) {
	idx, err := NewChromemIndex(ChromemConfig{}, failingEmbedder{}, zap.NewNop())
	require.NoError(t, err)
	err = idx.Add(context.Background(), Document{ID: "a", Content: "b"})
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	emb := embeddings.NewHashEmbedder(16)

	idx, err := New(ctx, config.VectorStoreConfig{Provider: "chromem", Collection: "episodes"}, emb, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &ChromemIndex{}, idx)

	_, err = New(ctx, config.VectorStoreConfig{Provider: "faiss"}, emb, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewChromemIndex(ChromemConfig{}, nil, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestQdrantConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  QdrantConfig
		ok   bool
	}{
		{"valid", QdrantConfig{Host: "localhost", Port: 6334, Collection: "episodes", VectorSize: 384}, true},
		{"no host", QdrantConfig{Port: 6334, Collection: "episodes", VectorSize: 384}, false},
		{"bad port", QdrantConfig{Host: "h", Port: 70000, Collection: "episodes", VectorSize: 384}, false},
		{"no vector size", QdrantConfig{Host: "h", Port: 6334, Collection: "episodes"}, false},
		{"no collection", QdrantConfig{Host: "h", Port: 6334, VectorSize: 384}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestPointID(t *testing.T) {
	id := uuid.NewString()
	assert.Equal(t, id, pointID(id))

	derived := pointID("ep-42")
	_, err := uuid.Parse(derived)
	require.NoError(t, err)
	assert.Equal(t, derived, pointID("ep-42"), "derivation is stable")
	assert.NotEqual(t, derived, pointID("ep-43"))
}

func TestPayloadRoundTrip(t *testing.T) {
	doc := Document{ID: "ep-1", Content: "oom", Metadata: map[string]string{"user_id": "u1"}}
	r := fromPayload(toPayload(doc), 0.9)
	assert.Equal(t, Result{ID: "ep-1", Content: "oom", Similarity: 0.9, Metadata: map[string]string{"user_id": "u1"}}, r)
}

func TestToFilter(t *testing.T) {
	assert.Nil(t, toFilter(nil))

	f := toFilter(map[string]string{"user_id": "u1", "outcome": "resolved"})
	require.Len(t, f.Must, 2)
	first := f.Must[0].GetField()
	assert.Equal(t, "outcome", first.GetKey())
	assert.Equal(t, "resolved", first.GetMatch().GetKeyword())
	assert.IsType(t, &qdrant.Condition_Field{}, f.Must[1].ConditionOneOf)
}
