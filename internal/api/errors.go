package api

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/harvest-pool/internal/errors"
	"github.com/harvest-pool/internal/storage"
)

// APIError is the wire form of an error.
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// mapServiceError maps pool and store errors to HTTP status codes.
func mapServiceError(err error) (int, string, string) {
	switch {
	case errors.Is(err, storage.ErrAccountNotFound):
		return http.StatusNotFound, ErrCodeNotFound, "Account not found"
	case errors.Is(err, storage.ErrProxyNotFound):
		return http.StatusNotFound, ErrCodeNotFound, "Proxy not found"
	case errors.Is(err, storage.ErrNotQuarantined):
		return http.StatusConflict, ErrCodeConflict, "Account is not quarantined"
	}

	switch apperrors.KindOf(err) {
	case apperrors.KindStoreUnavailable:
		return http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Durable store unavailable"
	case apperrors.KindRateLimiterUnavailable:
		return http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Bucket store unavailable"
	case apperrors.KindInvalidLease:
		return http.StatusBadRequest, ErrCodeInvalidInput, "Lease is not live or not owned by caller"
	case apperrors.KindPoolExhausted:
		return http.StatusConflict, ErrCodeConflict, "No eligible account available"
	}

	return http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred"
}
