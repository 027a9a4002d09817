package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rerrors "github.com/dyd1976jp/rag5-simplified-001/internal/errors"
)

// fakeOllama serves /api/tags and /api/embed with deterministic vectors.
type fakeOllama struct {
	dims      int
	failures  atomic.Int32 // remaining /api/embed requests to fail with 500
	embedHits atomic.Int32
}

func (f *fakeOllama) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ollamaModelListResponse{
			Models: []ollamaModelInfo{{Name: "bge-m3:latest"}},
		})
	})
	mux.HandleFunc("/api/embed", func(w http.ResponseWriter, r *http.Request) {
		f.embedHits.Add(1)
		if f.failures.Load() > 0 {
			f.failures.Add(-1)
			http.Error(w, "model busy", http.StatusInternalServerError)
			return
		}

		var req ollamaEmbedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		var texts []string
		switch v := req.Input.(type) {
		case string:
			texts = []string{v}
		case []any:
			for _, t := range v {
				texts = append(texts, t.(string))
			}
		}

		resp := ollamaEmbedResponse{Model: req.Model}
		for i := range texts {
			vec := make([]float64, f.dims)
			// Distinguishable per position so order is testable
			vec[0] = float64(len(texts[i]))
			vec[1] = float64(i + 1)
			resp.Embeddings = append(resp.Embeddings, vec)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func newTestEmbedder(t *testing.T, srv *httptest.Server, cfg OllamaConfig) *OllamaEmbedder {
	t.Helper()
	cfg.Host = srv.URL
	cfg.Model = "bge-m3"
	if cfg.BackoffInitial == 0 {
		cfg.BackoffInitial = time.Millisecond
	}
	e, err := NewOllamaEmbedder(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestNewOllamaEmbedder_DetectsDimensions(t *testing.T) {
	fake := &fakeOllama{dims: 768}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	e := newTestEmbedder(t, srv, OllamaConfig{})
	assert.Equal(t, 768, e.Dimensions())
	assert.Equal(t, "bge-m3:latest", e.ModelName())
}

func TestNewOllamaEmbedder_MissingModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ollamaModelListResponse{
			Models: []ollamaModelInfo{{Name: "llama3:8b"}},
		})
	}))
	defer srv.Close()

	_, err := NewOllamaEmbedder(context.Background(), OllamaConfig{
		Host: srv.URL, Model: "bge-m3",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not installed")
}

func TestEmbedDocuments_PreservesOrder(t *testing.T) {
	fake := &fakeOllama{dims: 8}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	e := newTestEmbedder(t, srv, OllamaConfig{Dimensions: 8, BatchSize: 2})

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := e.EmbedDocuments(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))

	for i, v := range vecs {
		require.Len(t, v, 8)
		// First component encodes input length pre-normalization; check sign only
		assert.Greater(t, v[0], float32(0), "vector %d should come from text %q", i, texts[i])
	}
}

func TestEmbedDocuments_EmptyTextsGetZeroVectors(t *testing.T) {
	fake := &fakeOllama{dims: 4}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	e := newTestEmbedder(t, srv, OllamaConfig{Dimensions: 4})

	vecs, err := e.EmbedDocuments(context.Background(), []string{"  ", "real text", ""})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, make([]float32, 4), vecs[0])
	assert.NotEqual(t, make([]float32, 4), vecs[1])
	assert.Equal(t, make([]float32, 4), vecs[2])
}

func TestEmbedDocuments_RetriesTransientFailures(t *testing.T) {
	fake := &fakeOllama{dims: 4}
	fake.failures.Store(2)
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	e := newTestEmbedder(t, srv, OllamaConfig{Dimensions: 4, MaxRetries: 3})

	vecs, err := e.EmbedDocuments(context.Background(), []string{"hello"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.GreaterOrEqual(t, fake.embedHits.Load(), int32(3))
}

func TestEmbedQuery_DimensionMismatchIsFatal(t *testing.T) {
	fake := &fakeOllama{dims: 768}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	// Expect 1024 but server returns 768
	e := newTestEmbedder(t, srv, OllamaConfig{Dimensions: 1024})

	hitsBefore := fake.embedHits.Load()
	_, err := e.EmbedQuery(context.Background(), "drifted model")
	require.Error(t, err)
	assert.Equal(t, rerrors.ErrCodeDimensionMismatch, rerrors.GetCode(err))
	// Fatal: exactly one request, no retries
	assert.Equal(t, hitsBefore+1, fake.embedHits.Load())
}

func TestEmbedQuery_EmptyInput(t *testing.T) {
	fake := &fakeOllama{dims: 4}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	e := newTestEmbedder(t, srv, OllamaConfig{Dimensions: 4})

	v, err := e.EmbedQuery(context.Background(), "   ")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 4), v)
}

func TestAvailable(t *testing.T) {
	fake := &fakeOllama{dims: 4}
	srv := httptest.NewServer(fake.handler())

	e := newTestEmbedder(t, srv, OllamaConfig{Dimensions: 4})
	assert.True(t, e.Available(context.Background()))

	srv.Close()
	assert.False(t, e.Available(context.Background()))
}

func TestEmbedQuery_AfterCloseFails(t *testing.T) {
	fake := &fakeOllama{dims: 4}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	e := newTestEmbedder(t, srv, OllamaConfig{Dimensions: 4})
	require.NoError(t, e.Close())

	_, err := e.EmbedQuery(context.Background(), "text")
	assert.Error(t, err)
}

func TestNormalizeVector(t *testing.T) {
	v := normalizeVector([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := normalizeVector([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, zero)
}
