package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"
)

// checkpointResponse is the wire form of one stored checkpoint.
type checkpointResponse struct {
	JobID   string          `json:"jobId"`
	Payload json.RawMessage `json:"payload"`
}

// handleGetCheckpoint handles GET /api/v1/checkpoints/:jobId - Fetch a job's
// stored progress payload.
func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	jobID := vars["jobId"]

	if jobID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Job ID required", nil)
		return
	}

	payload, ok, err := s.checkpoints.LoadProgress(r.Context(), jobID)
	if err != nil {
		log.Printf("LoadProgress error for %s: %v", jobID, err)
		statusCode, code, message := mapServiceError(err)
		respondError(w, statusCode, code, message, nil)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "No checkpoint for job", nil)
		return
	}

	respondJSON(w, http.StatusOK, checkpointResponse{JobID: jobID, Payload: payload})
}

// handleClearCheckpoint handles DELETE /api/v1/checkpoints/:jobId - Drop a
// job's checkpoint so the next run starts fresh.
func (s *Server) handleClearCheckpoint(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	jobID := vars["jobId"]

	if jobID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Job ID required", nil)
		return
	}

	if err := s.checkpoints.ClearProgress(r.Context(), jobID); err != nil {
		log.Printf("ClearProgress error for %s: %v", jobID, err)
		statusCode, code, message := mapServiceError(err)
		respondError(w, statusCode, code, message, nil)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
