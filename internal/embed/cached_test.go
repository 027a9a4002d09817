package embed

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEmbedder is a deterministic in-memory Embedder for cache tests.
type countingEmbedder struct {
	dims       int
	queryCalls atomic.Int32
	docCalls   atomic.Int32
	docTexts   atomic.Int32
}

var _ Embedder = (*countingEmbedder)(nil)

func (f *countingEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	f.queryCalls.Add(1)
	v := make([]float32, f.dims)
	v[0] = float32(len(text))
	return v, nil
}

func (f *countingEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	f.docCalls.Add(1)
	f.docTexts.Add(int32(len(texts)))
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, f.dims)
		v[0] = float32(len(t))
		out[i] = v
	}
	return out, nil
}

func (f *countingEmbedder) Dimensions() int                   { return f.dims }
func (f *countingEmbedder) ModelName() string                 { return "counting-test" }
func (f *countingEmbedder) Available(_ context.Context) bool  { return true }
func (f *countingEmbedder) Close() error                      { return nil }

func TestCachedEmbedder_QueryHit(t *testing.T) {
	inner := &countingEmbedder{dims: 4}
	c, err := NewCachedEmbedder(inner, 16)
	require.NoError(t, err)

	ctx := context.Background()
	v1, err := c.EmbedQuery(ctx, "who founded ABC Tech")
	require.NoError(t, err)
	v2, err := c.EmbedQuery(ctx, "who founded ABC Tech")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), inner.queryCalls.Load())
	assert.Equal(t, 1, c.CacheLen())
}

func TestCachedEmbedder_PartialDocumentHit(t *testing.T) {
	inner := &countingEmbedder{dims: 4}
	c, err := NewCachedEmbedder(inner, 16)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = c.EmbedDocuments(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)

	// Second call shares one text; only the new one goes to the backend
	out, err := c.EmbedDocuments(ctx, []string{"beta", "gamma"})
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, int32(2), inner.docCalls.Load())
	assert.Equal(t, int32(3), inner.docTexts.Load())
}

func TestCachedEmbedder_Eviction(t *testing.T) {
	inner := &countingEmbedder{dims: 2}
	c, err := NewCachedEmbedder(inner, 2)
	require.NoError(t, err)

	ctx := context.Background()
	for _, text := range []string{"a", "b", "c"} {
		_, err := c.EmbedQuery(ctx, text)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, c.CacheLen())
}

func TestCachedEmbedder_DistinctTextsDistinctKeys(t *testing.T) {
	inner := &countingEmbedder{dims: 2}
	c, err := NewCachedEmbedder(inner, 16)
	require.NoError(t, err)

	assert.NotEqual(t, c.cacheKey("text-a"), c.cacheKey("text-b"))
}
