package api

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/harvest-pool/internal/pool"
	"github.com/harvest-pool/internal/ratelimit"
)

// poolReportResponse is the pool census plus, when the server knows the
// heavy probe bucket, a snapshot of it.
type poolReportResponse struct {
	*pool.HealthReport
	HeavyBucket *ratelimit.BucketState `json:"heavyBucket,omitempty"`
}

// handlePoolReport handles GET /api/v1/pool/report - point-in-time census
// of accounts by state, plus proxy rotation health.
func (s *Server) handlePoolReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.pool.HealthReport(r.Context())
	if err != nil {
		log.Printf("HealthReport error: %v", err)
		statusCode, code, message := mapServiceError(err)
		respondError(w, statusCode, code, message, nil)
		return
	}

	resp := poolReportResponse{HealthReport: report}
	if s.config.HeavyBucketName != "" && s.limiter != nil {
		bucket, err := s.limiter.Inspect(r.Context(), s.config.HeavyBucketName)
		if err != nil {
			// The census is still useful without the bucket snapshot.
			log.Printf("Inspect error for bucket %s: %v", s.config.HeavyBucketName, err)
		} else {
			resp.HeavyBucket = bucket
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleGetAccount handles GET /api/v1/accounts/:id - Get account details
func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	accountID := vars["id"]

	if accountID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Account ID required", nil)
		return
	}

	account, err := s.pool.GetAccount(r.Context(), accountID)
	if err != nil {
		log.Printf("GetAccount error for %s: %v", accountID, err)
		statusCode, code, message := mapServiceError(err)
		respondError(w, statusCode, code, message, nil)
		return
	}

	respondJSON(w, http.StatusOK, account)
}

// handleResetAccount handles POST /api/v1/accounts/:id/reset - Return a
// quarantined account to service. This is the only path out of quarantine.
func (s *Server) handleResetAccount(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	accountID := vars["id"]

	if accountID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Account ID required", nil)
		return
	}

	account, err := s.pool.ResetAccount(r.Context(), accountID)
	if err != nil {
		log.Printf("ResetAccount error for %s: %v", accountID, err)
		statusCode, code, message := mapServiceError(err)
		respondError(w, statusCode, code, message, nil)
		return
	}

	respondJSON(w, http.StatusOK, account)
}

// handleQuarantineAccount handles POST /api/v1/accounts/:id/quarantine -
// Pull an account out of rotation, revoking any live lease.
func (s *Server) handleQuarantineAccount(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	accountID := vars["id"]

	if accountID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Account ID required", nil)
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if req.Reason == "" {
		req.Reason = "operator"
	}

	if err := s.pool.QuarantineAccount(r.Context(), accountID, req.Reason); err != nil {
		log.Printf("QuarantineAccount error for %s: %v", accountID, err)
		statusCode, code, message := mapServiceError(err)
		respondError(w, statusCode, code, message, nil)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"accountId": accountID,
		"status":    "quarantined",
		"reason":    req.Reason,
	})
}

// handleGetAccountEvents handles GET /api/v1/accounts/:id/events - Recent
// transition history for one account from the audit store.
func (s *Server) handleGetAccountEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Event store is not configured", nil)
		return
	}

	vars := mux.Vars(r)
	accountID := vars["id"]

	if accountID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Account ID required", nil)
		return
	}

	limit := 50 // Default
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}

	events, err := s.events.ListRecent(r.Context(), accountID, limit)
	if err != nil {
		log.Printf("ListRecent error for %s: %v", accountID, err)
		statusCode, code, message := mapServiceError(err)
		respondError(w, statusCode, code, message, nil)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"accountId": accountID,
		"events":    events,
	})
}
