package errors

import (
	"fmt"
)

// RagError is the structured error type for the RAG service.
// It provides rich context for error handling, logging, and HTTP mapping.
type RagError struct {
	// Code is the unique error code (e.g., "ERR_303_EMBEDDING_FAILED").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Service, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *RagError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *RagError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with RagError.
func (e *RagError) Is(target error) bool {
	if t, ok := target.(*RagError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *RagError) WithDetail(key, value string) *RagError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new RagError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *RagError {
	return &RagError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a RagError from an existing error.
// The error's message becomes the RagError message.
func Wrap(code string, err error) *RagError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Validation creates an input validation error (HTTP 400).
func Validation(message string, cause error) *RagError {
	return New(ErrCodeInvalidInput, message, cause)
}

// Conflict creates an invariant-violation error (HTTP 409).
func Conflict(message string, cause error) *RagError {
	return New(ErrCodeDuplicateName, message, cause)
}

// NotFound creates a missing-resource error (HTTP 404).
func NotFound(message string, cause error) *RagError {
	return New(ErrCodeNotFound, message, cause)
}

// Embedding creates an embedding-service error. Retryable.
func Embedding(message string, cause error) *RagError {
	return New(ErrCodeEmbeddingFailed, message, cause)
}

// VectorStore creates a vector-store error. Retryable.
func VectorStore(message string, cause error) *RagError {
	return New(ErrCodeVectorStoreFailed, message, cause)
}

// LLM creates an LLM-service error. Retryable.
func LLM(message string, cause error) *RagError {
	return New(ErrCodeLLMFailed, message, cause)
}

// Timeout creates a deadline-exceeded error (HTTP 504). Retryable.
func Timeout(message string, cause error) *RagError {
	return New(ErrCodeTimeout, message, cause)
}

// Loader creates an unsupported-or-malformed-file error.
// Recorded in ingestion reports, never fatal to sibling files.
func Loader(message string, cause error) *RagError {
	return New(ErrCodeUnsupportedFormat, message, cause)
}

// Internal creates an unclassified internal error (HTTP 500).
func Internal(message string, cause error) *RagError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable checks if an error is retryable.
// Returns true if the error is a RagError with Retryable flag set.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if re, ok := err.(*RagError); ok {
		return re.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if re, ok := err.(*RagError); ok {
		return re.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from a RagError.
// Returns empty string if not a RagError.
func GetCode(err error) string {
	if re, ok := err.(*RagError); ok {
		return re.Code
	}
	return ""
}

// GetCategory extracts the category from a RagError.
// Returns empty string if not a RagError.
func GetCategory(err error) Category {
	if re, ok := err.(*RagError); ok {
		return re.Category
	}
	return ""
}
