package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/troubleshootd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmbeddingServer answers OpenAI-style /embeddings requests with one
// vector per input whose first component is the input length.
func fakeEmbeddingServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			http.NotFound(w, r)
			return
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"boom"}}`))
			return
		}

		var req struct {
			Input []string `json:"input"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		type item struct {
			Object    string    `json:"object"`
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		data := make([]item, 0, len(req.Input))
		for i, in := range req.Input {
			data = append(data, item{Object: "embedding", Embedding: []float32{float32(len(in)), 1, 0}, Index: i})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  "test",
			"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAICompatible_Embed(t *testing.T) {
	srv := fakeEmbeddingServer(t, http.StatusOK)
	p, err := NewOpenAICompatible(OpenAIConfig{BaseURL: srv.URL + "/v1", Model: "BAAI/bge-small-en-v1.5", Dimension: 3})
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	vectors, err := p.EmbedDocuments(ctx, []string{"oom", "crash loop"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, float32(3), vectors[0][0])
	assert.Equal(t, float32(10), vectors[1][0])

	q, err := p.EmbedQuery(ctx, "disk")
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 1, 0}, q)
	assert.Equal(t, 3, p.Dimension())
}

func TestOpenAICompatible_Errors(t *testing.T) {
	srv := fakeEmbeddingServer(t, http.StatusInternalServerError)
	p, err := NewOpenAICompatible(OpenAIConfig{BaseURL: srv.URL + "/v1", Model: "m"})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = p.EmbedQuery(ctx, "x")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)

	_, err = p.EmbedQuery(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = p.EmbedDocuments(ctx, nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.EmbeddingsConfig
		wantErr error
	}{
		{
			name: "tei",
			cfg:  config.EmbeddingsConfig{Provider: "tei", BaseURL: "http://localhost:8080/v1", Model: "BAAI/bge-small-en-v1.5"},
		},
		{
			name:    "tei without base url",
			cfg:     config.EmbeddingsConfig{Provider: "tei", Model: "BAAI/bge-small-en-v1.5"},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "unknown provider",
			cfg:     config.EmbeddingsConfig{Provider: "word2vec"},
			wantErr: ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(tt.cfg, 384)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, p)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 384, p.Dimension())
			assert.NoError(t, p.Close())
		})
	}
}

func TestDimensionFor(t *testing.T) {
	assert.Equal(t, 1536, dimensionFor("text-embedding-3-small", 0))
	assert.Equal(t, 768, dimensionFor("acme/gte-base", 0))
	assert.Equal(t, 1024, dimensionFor("acme/e5-large", 0))
	assert.Equal(t, 512, dimensionFor("acme/custom", 512))
	assert.Equal(t, 384, dimensionFor("acme/custom", 0))
}

func TestHashEmbedder(t *testing.T) {
	h := NewHashEmbedder(64)
	ctx := context.Background()

	a, err := h.EmbedQuery(ctx, "checkout pod OOMKilled")
	require.NoError(t, err)
	b, err := h.EmbedQuery(ctx, "Checkout pod oomkilled!")
	require.NoError(t, err)
	assert.Equal(t, a, b, "tokenisation ignores case and punctuation")
	assert.Len(t, a, 64)

	var norm float32
	for _, x := range a {
		norm += x * x
	}
	assert.InDelta(t, 1.0, norm, 1e-5)

	blank, err := h.EmbedQuery(ctx, "!!!")
	require.NoError(t, err)
	assert.Equal(t, float32(1), blank[0])

	_, err = h.EmbedDocuments(ctx, nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	p, err := NewProvider(config.EmbeddingsConfig{Provider: "hash"}, 32)
	require.NoError(t, err)
	assert.Equal(t, 32, p.Dimension())
}
