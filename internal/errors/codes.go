// Package errors provides structured error handling for the RAG service.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: File and loader errors
//   - 3XX: Backing-service errors (embedding, vector store, LLM)
//   - 4XX: Validation and state errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates file and loader errors.
	CategoryIO Category = "IO"
	// CategoryService indicates backing-service errors (network).
	CategoryService Category = "SERVICE"
	// CategoryValidation indicates input validation and state errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// File and loader errors (200-299)
	ErrCodeFileNotFound      = "ERR_201_FILE_NOT_FOUND"
	ErrCodeFileTooLarge      = "ERR_202_FILE_TOO_LARGE"
	ErrCodeUnsupportedFormat = "ERR_203_UNSUPPORTED_FORMAT"
	ErrCodeFileCorrupt       = "ERR_204_FILE_CORRUPT"
	ErrCodeEncodingUnknown   = "ERR_205_ENCODING_UNKNOWN"

	// Backing-service errors (300-399)
	ErrCodeTimeout            = "ERR_301_TIMEOUT"
	ErrCodeServiceUnavailable = "ERR_302_SERVICE_UNAVAILABLE"
	ErrCodeEmbeddingFailed    = "ERR_303_EMBEDDING_FAILED"
	ErrCodeVectorStoreFailed  = "ERR_304_VECTORSTORE_FAILED"
	ErrCodeLLMFailed          = "ERR_305_LLM_FAILED"

	// Validation and state errors (400-499)
	ErrCodeInvalidInput      = "ERR_401_INVALID_INPUT"
	ErrCodeDimensionMismatch = "ERR_402_DIMENSION_MISMATCH"
	ErrCodeQueryEmpty        = "ERR_403_QUERY_EMPTY"
	ErrCodeQueryTooLong      = "ERR_404_QUERY_TOO_LONG"
	ErrCodeNotFound          = "ERR_405_NOT_FOUND"
	ErrCodeDuplicateName     = "ERR_406_DUPLICATE_NAME"
	ErrCodeImmutableField    = "ERR_407_IMMUTABLE_FIELD"

	// Internal errors (500-599)
	ErrCodeInternal       = "ERR_501_INTERNAL"
	ErrCodeChunkingFailed = "ERR_502_CHUNKING_FAILED"
	ErrCodeIngestFailed   = "ERR_503_INGEST_FAILED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Extract the leading digit (e.g., '1' from "ERR_101_CONFIG_NOT_FOUND")
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryService
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	// Dimension drift means the embedding model changed under a live KB.
	// Never retried; the caller must fail the file immediately.
	if code == ErrCodeDimensionMismatch {
		return SeverityFatal
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeTimeout, ErrCodeServiceUnavailable, ErrCodeEmbeddingFailed,
		ErrCodeVectorStoreFailed, ErrCodeLLMFailed:
		return true
	default:
		return false
	}
}
