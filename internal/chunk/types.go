// Package chunk splits loaded documents into bounded, overlapping text
// chunks. Splitting is language-aware: Chinese text gets a separator
// priority list built around CJK sentence punctuation, selected either
// explicitly or by character-ratio detection.
package chunk

import (
	"fmt"

	rerrors "github.com/dyd1976jp/rag5-simplified-001/internal/errors"
)

// Chunk is a bounded text fragment ready for embedding.
// Chunks are immutable once produced.
type Chunk struct {
	Content  string
	Metadata map[string]any
}

// Config controls the splitter.
type Config struct {
	// ChunkSize is the maximum chunk length in characters (runes).
	ChunkSize int `json:"chunk_size"`
	// ChunkOverlap is the overlap between adjacent chunks, in runes.
	// Must be strictly less than ChunkSize.
	ChunkOverlap int `json:"chunk_overlap"`
	// RespectSentenceBoundary makes the overlap snap back to the nearest
	// preceding sentence terminator instead of being an exact rune count.
	RespectSentenceBoundary bool `json:"respect_sentence_boundary"`
	// ChineseAware forces the Chinese separator list regardless of the
	// detected character ratio.
	ChineseAware bool `json:"chinese_aware"`
}

// DefaultConfig returns the default chunking configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:               512,
		ChunkOverlap:            50,
		RespectSentenceBoundary: true,
		ChineseAware:            false,
	}
}

// Validate rejects configurations the splitter cannot honor.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return rerrors.Validation(fmt.Sprintf("chunk_size must be positive, got %d", c.ChunkSize), nil)
	}
	if c.ChunkOverlap < 0 {
		return rerrors.Validation(fmt.Sprintf("chunk_overlap must not be negative, got %d", c.ChunkOverlap), nil)
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return rerrors.Validation(fmt.Sprintf("chunk_overlap (%d) must be less than chunk_size (%d)",
			c.ChunkOverlap, c.ChunkSize), nil)
	}
	return nil
}

// Separator priority lists. The splitter tries each in order and falls
// through to a hard rune split at "".
var (
	generalSeparators = []string{"\n\n\n", "\n\n", "\n", ". ", " ", ""}
	chineseSeparators = []string{"\n\n\n", "\n\n", "\n", "。", "？", "！", "；", "，", " ", ""}
)

// Sentence terminators used for boundary-respecting overlap.
var (
	generalTerminators = map[rune]bool{'.': true, '!': true, '?': true, ';': true, '\n': true}
	chineseTerminators = map[rune]bool{'。': true, '？': true, '！': true, '；': true, '\n': true, '…': true}
)

// ChineseRatioThreshold is the Chinese-character ratio at which the
// Chinese separator list is selected automatically. Domain heuristic;
// overridable only via Config.ChineseAware.
const ChineseRatioThreshold = 0.3
