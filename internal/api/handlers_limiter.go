package api

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"

	apperrors "github.com/harvest-pool/internal/errors"
)

// handleGetBucket handles GET /api/v1/buckets/:name - Inspect one token
// bucket's declared parameters and current level.
func (s *Server) handleGetBucket(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]

	if name == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Bucket name required", nil)
		return
	}

	state, err := s.limiter.Inspect(r.Context(), name)
	if err != nil {
		log.Printf("Inspect error for bucket %s: %v", name, err)
		statusCode, code, message := mapServiceError(err)
		respondError(w, statusCode, code, message, nil)
		return
	}
	if state == nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "Bucket not found", nil)
		return
	}

	respondJSON(w, http.StatusOK, state)
}

// handleDeclareBucket handles PUT /api/v1/buckets/:name - Idempotently
// declare a bucket. Re-declaring an existing bucket never resets its
// tokens.
func (s *Server) handleDeclareBucket(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]

	if name == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Bucket name required", nil)
		return
	}

	var req struct {
		Capacity   float64 `json:"capacity"`
		RefillRate float64 `json:"refillRate"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	if err := s.limiter.EnsureBucket(r.Context(), name, req.Capacity, req.RefillRate); err != nil {
		if apperrors.IsRateLimiterUnavailable(err) {
			log.Printf("EnsureBucket error for %s: %v", name, err)
			respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Bucket store unavailable", nil)
			return
		}
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, err.Error(), nil)
		return
	}

	state, err := s.limiter.Inspect(r.Context(), name)
	if err != nil {
		log.Printf("Inspect error for bucket %s: %v", name, err)
		statusCode, code, message := mapServiceError(err)
		respondError(w, statusCode, code, message, nil)
		return
	}

	respondJSON(w, http.StatusOK, state)
}
