// Package embed provides embedding generation via Ollama's HTTP API,
// with batching, retry, and an LRU-cached wrapper for query embeddings.
package embed

import (
	"context"
	"math"
	"time"
)

// Embedder generates vector embeddings for text.
// Implementations must be safe for concurrent use.
type Embedder interface {
	// EmbedQuery generates an embedding for a single query text.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// EmbedDocuments generates embeddings for multiple texts.
	// The result preserves input order and has exactly len(texts) entries.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available reports whether the service and model are reachable.
	// It never returns an error; failures read as false.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// Defaults for the Ollama embedder.
const (
	DefaultOllamaHost = "http://localhost:11434"
	DefaultModel      = "bge-m3"
	DefaultBatchSize  = 16
	DefaultMaxRetries = 5
	DefaultTimeout    = 30 * time.Second
	// DefaultColdTimeout covers model load on first contact; cold loads
	// routinely take 30-60s on consumer hardware.
	DefaultColdTimeout = 180 * time.Second

	DefaultBackoffInitial = 1500 * time.Millisecond
	DefaultBackoffFactor  = 1.5
	DefaultBackoffCap     = 30 * time.Second

	DefaultPoolSize = 4
)

// OllamaConfig configures the Ollama embedder.
type OllamaConfig struct {
	// Host is the Ollama base URL.
	Host string
	// Model is the embedding model name.
	Model string
	// Dimensions is the expected embedding dimension. 0 auto-detects
	// from the first embedding and pins it for the embedder's lifetime.
	Dimensions int
	// BatchSize is the number of texts per /api/embed request.
	BatchSize int
	// MaxRetries is the per-batch retry budget.
	MaxRetries int
	// BackoffInitial is the delay before the first retry.
	BackoffInitial time.Duration
	// BackoffFactor multiplies the delay after each retry.
	BackoffFactor float64
	// InterBatchDelay is a fixed pause between batches. The embedding
	// backend destabilizes under sustained load; a small pause between
	// batches keeps throughput steady. 0 disables.
	InterBatchDelay time.Duration
	// Timeout is the per-request timeout.
	Timeout time.Duration
	// PoolSize is the HTTP connection pool size.
	PoolSize int
	// SkipHealthCheck disables the startup probe. For tests.
	SkipHealthCheck bool
}

// normalizeVector normalizes a vector to unit length.
// Zero vectors are returned unchanged.
func normalizeVector(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(1.0 / math.Sqrt(sum))
	for i := range v {
		v[i] *= norm
	}
	return v
}
