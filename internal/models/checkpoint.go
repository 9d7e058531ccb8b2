package models

import (
	"encoding/json"
	"time"
)

// CheckpointRecord is a per-job resumable progress row. The payload is
// caller-opaque and replaced wholesale on every save; merging previous
// progress into a new payload is the caller's responsibility.
type CheckpointRecord struct {
	JobID     string          `json:"jobId" db:"job_id"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
	UpdatedAt time.Time       `json:"updatedAt" db:"updated_at"`
}
