// Package search is the retrieval engine: vector similarity over the
// vector store, keyword scoring over scrolled chunk payloads, and a
// weighted hybrid of the two. Vector retrieval is adaptive: when a
// threshold yields too few results it is relaxed multiplicatively and
// the search retried.
package search

import "time"

// Result is one retrieved chunk, ordered by descending Score.
type Result struct {
	// ID is the chunk's point ID in the vector store.
	ID string `json:"id"`
	// Score is the retrieval score. Vector mode: cosine similarity.
	// Fulltext mode: tf-idf estimate. Hybrid mode: weighted fusion of
	// the normalized leg scores.
	Score float64 `json:"score"`
	// Content is the chunk text.
	Content string `json:"content"`
	// Source is the originating file name.
	Source string `json:"source"`
	// ChunkIndex is the chunk's position within its source document.
	ChunkIndex int `json:"chunk_index"`
	// Metadata carries the full stored payload.
	Metadata map[string]any `json:"metadata,omitempty"`
}

const (
	// AdaptiveMaxAttempts bounds the relaxation loop, initial attempt
	// included.
	AdaptiveMaxAttempts = 4
	// AdaptiveThresholdFactor relaxes the similarity threshold between
	// attempts.
	AdaptiveThresholdFactor = 0.7
	// hybridOverfetch widens each hybrid leg so fusion has candidates
	// beyond top_k to rerank.
	hybridOverfetch = 2
	// DefaultScrollLimit caps how many chunk payloads the keyword path
	// pulls from a collection.
	DefaultScrollLimit = 10000
	// DefaultSearchTimeout bounds a single retrieval call.
	DefaultSearchTimeout = 30 * time.Second
)
