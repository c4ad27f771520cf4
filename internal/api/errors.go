package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/marcus/tether/internal/serverdb"
)

// Error codes carried in every error body. syncclient classifies retries by
// them, so they are part of the wire contract.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeValidation   = "validation"
	ErrCodeNotFound     = "not_found"
	ErrCodeInternal     = "internal"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeRateLimited  = "rate_limited"
	ErrCodeTooLarge     = "too_large"
)

var codeStatus = map[string]int{
	ErrCodeBadRequest:   http.StatusBadRequest,
	ErrCodeValidation:   http.StatusUnprocessableEntity,
	ErrCodeNotFound:     http.StatusNotFound,
	ErrCodeUnauthorized: http.StatusUnauthorized,
	ErrCodeForbidden:    http.StatusForbidden,
	ErrCodeRateLimited:  http.StatusTooManyRequests,
	ErrCodeTooLarge:     http.StatusRequestEntityTooLarge,
}

// APIError is the error body of a failed request, and the per-change error
// of a rejected push entry.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string { return e.Code + ": " + e.Message }

// ErrorResponse wraps an APIError for JSON serialization.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// statusFor maps an error code to its HTTP status. Unknown codes are 500.
func statusFor(code string) int {
	if s, ok := codeStatus[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// changeError classifies a store error for one pushed change. ok is false
// when the error is not the caller's fault and the whole request should fail.
func changeError(err error) (apiErr *APIError, ok bool) {
	switch {
	case errors.Is(err, serverdb.ErrInvalidChange):
		return &APIError{Code: ErrCodeValidation, Message: err.Error()}, true
	case errors.Is(err, serverdb.ErrDeleted):
		return &APIError{Code: ErrCodeNotFound, Message: err.Error()}, true
	}
	return nil, false
}

// decodeError classifies a request body decode failure.
func decodeError(err error) string {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return ErrCodeTooLarge
	}
	return ErrCodeBadRequest
}

// writeError writes a JSON error body with the status that belongs to code.
func writeError(w http.ResponseWriter, code, message string) {
	writeJSON(w, statusFor(code), ErrorResponse{Error: APIError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write response", "status", status, "err", err)
	}
}
