// Package kbstore persists knowledge-base and file records in SQLite.
// It owns the relational data model: KB records, per-file lifecycle
// status, and the uniqueness and cascade rules between them.
package kbstore

import (
	"fmt"
	"regexp"
	"time"

	"github.com/dyd1976jp/rag5-simplified-001/internal/chunk"
	rerrors "github.com/dyd1976jp/rag5-simplified-001/internal/errors"
)

// RetrievalMode selects the search strategy for a knowledge base.
type RetrievalMode string

const (
	ModeVector   RetrievalMode = "vector"
	ModeFulltext RetrievalMode = "fulltext"
	ModeHybrid   RetrievalMode = "hybrid"
)

// RetrievalConfig is a knowledge base's per-query search configuration.
type RetrievalConfig struct {
	Mode                  RetrievalMode `json:"mode"`
	TopK                  int           `json:"top_k"`
	SimilarityThreshold   float64       `json:"similarity_threshold"`
	VectorWeight          float64       `json:"vector_weight"`
	KeywordWeight         float64       `json:"keyword_weight"`
	AdaptiveMinThreshold  float64       `json:"adaptive_min_threshold"`
	AdaptiveTargetResults int           `json:"adaptive_target_results"`
}

// DefaultRetrievalConfig returns the retrieval defaults for new KBs.
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		Mode:                  ModeHybrid,
		TopK:                  5,
		SimilarityThreshold:   0.3,
		VectorWeight:          0.5,
		KeywordWeight:         0.5,
		AdaptiveMinThreshold:  0.2,
		AdaptiveTargetResults: 3,
	}
}

// Validate checks the retrieval configuration.
func (r RetrievalConfig) Validate() error {
	switch r.Mode {
	case ModeVector, ModeFulltext, ModeHybrid:
	default:
		return rerrors.Validation(fmt.Sprintf("retrieval mode must be vector, fulltext, or hybrid, got %q", r.Mode), nil)
	}
	if r.TopK <= 0 {
		return rerrors.Validation(fmt.Sprintf("top_k must be positive, got %d", r.TopK), nil)
	}
	if r.AdaptiveTargetResults <= 0 {
		return rerrors.Validation(fmt.Sprintf("adaptive_target_results must be positive, got %d", r.AdaptiveTargetResults), nil)
	}
	for name, v := range map[string]float64{
		"similarity_threshold":   r.SimilarityThreshold,
		"adaptive_min_threshold": r.AdaptiveMinThreshold,
	} {
		if v < 0 || v > 1 {
			return rerrors.Validation(fmt.Sprintf("%s must be within [0, 1], got %g", name, v), nil)
		}
	}
	if sum := r.VectorWeight + r.KeywordWeight; sum < 0.999999 || sum > 1.000001 {
		return rerrors.Validation(fmt.Sprintf("vector_weight + keyword_weight must equal 1.0, got %g", sum), nil)
	}
	return nil
}

// KnowledgeBase is one named, isolated corpus.
type KnowledgeBase struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	EmbeddingModel     string          `json:"embedding_model"`
	EmbeddingDimension int             `json:"embedding_dimension"`
	CollectionName     string          `json:"collection_name"`
	ChunkConfig        chunk.Config    `json:"chunk_config"`
	RetrievalConfig    RetrievalConfig `json:"retrieval_config"`
	DocumentCount      int             `json:"document_count"`
	ChunkCount         int             `json:"chunk_count"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

var kbNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateName checks KB naming rules: 2..100 chars, restricted charset.
func ValidateName(name string) error {
	if len(name) < 2 || len(name) > 100 {
		return rerrors.Validation(fmt.Sprintf("knowledge base name must be 2-100 characters, got %d", len(name)), nil)
	}
	if !kbNamePattern.MatchString(name) {
		return rerrors.Validation(fmt.Sprintf("knowledge base name %q may only contain letters, digits, underscore, and hyphen", name), nil)
	}
	return nil
}

// MaxDescriptionLength bounds the KB description.
const MaxDescriptionLength = 500

// ValidateDescription checks the KB description length.
func ValidateDescription(desc string) error {
	if len(desc) > MaxDescriptionLength {
		return rerrors.Validation(fmt.Sprintf("description must be at most %d characters, got %d", MaxDescriptionLength, len(desc)), nil)
	}
	return nil
}

// FileStatus is a file's ingestion lifecycle state.
type FileStatus string

const (
	StatusPending    FileStatus = "pending"
	StatusParsing    FileStatus = "parsing"
	StatusPersisting FileStatus = "persisting"
	StatusSucceeded  FileStatus = "succeeded"
	StatusFailed     FileStatus = "failed"
	StatusCancelled  FileStatus = "cancelled"
)

// allowedTransitions is the file lifecycle:
// pending -> parsing -> persisting -> succeeded | failed.
// A failed or cancelled file is reattempted only by delete + re-upload.
var allowedTransitions = map[FileStatus][]FileStatus{
	StatusPending:    {StatusParsing, StatusFailed, StatusCancelled},
	StatusParsing:    {StatusPersisting, StatusFailed, StatusCancelled},
	StatusPersisting: {StatusSucceeded, StatusFailed},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to FileStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FileEntity is one uploaded file within a knowledge base.
type FileEntity struct {
	ID           string     `json:"id"`
	KBID         string     `json:"kb_id"`
	FileName     string     `json:"file_name"`
	FilePath     string     `json:"file_path"`
	FileSize     int64      `json:"file_size"`
	ContentType  string     `json:"content_type"`
	FileMD5      string     `json:"file_md5"`
	Status       FileStatus `json:"status"`
	ChunkCount   int        `json:"chunk_count"`
	FailedReason string     `json:"failed_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// FileFilter narrows ListFiles results.
type FileFilter struct {
	// Status filters by lifecycle state when non-empty.
	Status FileStatus
	// NameQuery filters by file-name substring when non-empty.
	NameQuery string
}
