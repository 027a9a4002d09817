package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the default number of cached embeddings.
// Query embeddings dominate; repeated chat turns over the same KB hit
// the same small set of reformulated queries.
const DefaultCacheSize = 2048

// CachedEmbedder wraps an Embedder with an LRU cache keyed by text.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
}

var _ Embedder = (*CachedEmbedder)(nil)

// NewCachedEmbedder wraps inner with an LRU cache of the given size.
// size <= 0 uses DefaultCacheSize.
func NewCachedEmbedder(inner Embedder, size int) (*CachedEmbedder, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

// cacheKey builds a collision-safe cache key from text and model.
// The NUL separator prevents ambiguity between text and model name.
func (c *CachedEmbedder) cacheKey(text string) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(c.inner.ModelName()))
	return hex.EncodeToString(h.Sum(nil))
}

// EmbedQuery returns a cached embedding when available.
func (c *CachedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := c.cacheKey(text)
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}

	v, err := c.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, v)
	return v, nil
}

// EmbedDocuments embeds only the cache misses, then merges.
func (c *CachedEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	for i, text := range texts {
		if v, ok := c.cache.Get(c.cacheKey(text)); ok {
			results[i] = v
		} else {
			missTexts = append(missTexts, text)
			missIdx = append(missIdx, i)
		}
	}

	if len(missTexts) > 0 {
		embedded, err := c.inner.EmbedDocuments(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, v := range embedded {
			results[missIdx[j]] = v
			c.cache.Add(c.cacheKey(missTexts[j]), v)
		}
	}

	return results, nil
}

// Dimensions returns the embedding dimension.
func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }

// ModelName returns the model identifier.
func (c *CachedEmbedder) ModelName() string { return c.inner.ModelName() }

// Available reports backend availability.
func (c *CachedEmbedder) Available(ctx context.Context) bool { return c.inner.Available(ctx) }

// Close releases the wrapped embedder.
func (c *CachedEmbedder) Close() error {
	c.cache.Purge()
	return c.inner.Close()
}

// CacheLen returns the number of cached embeddings. For tests and stats.
func (c *CachedEmbedder) CacheLen() int { return c.cache.Len() }
