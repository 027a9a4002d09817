// Package vectordb wraps the Qdrant client behind the store contract the
// ingestion pipeline and retrieval engine consume. Each knowledge base
// owns exactly one collection; isolation between KBs is isolation
// between collections.
package vectordb

import (
	"context"
	"time"
)

// Point is a vector with its payload, addressed by a UUID.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Hit is a single search result.
type Hit struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// CollectionStats describes one collection.
type CollectionStats struct {
	PointsCount uint64
	Dimension   int
}

// Store is the vector-store contract.
// Implementations must be safe for concurrent use.
type Store interface {
	// EnsureCollection creates the collection with cosine distance if it
	// does not exist. Idempotent. An existing collection whose dimension
	// differs from dims is an error.
	EnsureCollection(ctx context.Context, name string, dims int) error

	// DeleteCollection removes the collection. Idempotent.
	DeleteCollection(ctx context.Context, name string) error

	// Upsert writes points in batches. Each batch is retried with
	// exponential backoff before the whole call fails.
	Upsert(ctx context.Context, name string, points []Point) error

	// Search returns hits ordered by descending similarity.
	// scoreThreshold, when non-nil, filters hits below it.
	Search(ctx context.Context, name string, vector []float32, limit int, scoreThreshold *float32) ([]Hit, error)

	// Scroll enumerates up to limit point payloads (no vectors), for the
	// keyword-search path.
	Scroll(ctx context.Context, name string, limit int) ([]Point, error)

	// DeleteByFile removes every point whose payload file_id matches.
	DeleteByFile(ctx context.Context, name, fileID string) error

	// Count returns the exact number of points in the collection.
	Count(ctx context.Context, name string) (uint64, error)

	// Info returns collection statistics.
	Info(ctx context.Context, name string) (CollectionStats, error)

	// Healthy reports whether the backing service answers a health probe.
	Healthy(ctx context.Context) bool

	// Close releases the underlying connection.
	Close() error
}

// Defaults for the Qdrant store.
const (
	// DefaultUpsertBatchSize is the number of points per upsert request.
	DefaultUpsertBatchSize = 100
	// DefaultMaxRetries is the per-batch retry budget.
	DefaultMaxRetries = 3
	// DefaultRetryInitialDelay is the delay before the first retry.
	DefaultRetryInitialDelay = time.Second
	// DefaultOpTimeout bounds a single store operation.
	DefaultOpTimeout = 10 * time.Second
)
