package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	rerrors "github.com/dyd1976jp/rag5-simplified-001/internal/errors"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Error("response encode failed", "error", err)
		}
	}
}

// writeError maps structured error codes onto HTTP statuses:
// validation to 400, missing resources to 404, name conflicts to 409,
// unreachable dependencies to 503, timeouts to 504, the rest to 500.
func writeError(w http.ResponseWriter, err error) {
	var body errorBody
	body.Error.Code = rerrors.ErrCodeInternal
	body.Error.Message = "internal error"

	var ragErr *rerrors.RagError
	if errors.As(err, &ragErr) {
		body.Error.Code = ragErr.Code
		body.Error.Message = ragErr.Message
	} else if err != nil {
		body.Error.Message = err.Error()
	}

	writeJSON(w, statusFor(body.Error.Code), body)
}

func statusFor(code string) int {
	switch code {
	case rerrors.ErrCodeInvalidInput, rerrors.ErrCodeQueryEmpty, rerrors.ErrCodeQueryTooLong,
		rerrors.ErrCodeImmutableField, rerrors.ErrCodeConfigInvalid,
		rerrors.ErrCodeFileTooLarge, rerrors.ErrCodeUnsupportedFormat,
		rerrors.ErrCodeFileCorrupt, rerrors.ErrCodeEncodingUnknown,
		rerrors.ErrCodeDimensionMismatch:
		return http.StatusBadRequest
	case rerrors.ErrCodeNotFound, rerrors.ErrCodeFileNotFound:
		return http.StatusNotFound
	case rerrors.ErrCodeDuplicateName:
		return http.StatusConflict
	case rerrors.ErrCodeServiceUnavailable, rerrors.ErrCodeEmbeddingFailed,
		rerrors.ErrCodeVectorStoreFailed, rerrors.ErrCodeLLMFailed:
		return http.StatusServiceUnavailable
	case rerrors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody parses a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return rerrors.Validation("invalid JSON body", err)
	}
	return nil
}
