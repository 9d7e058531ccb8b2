package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/harvest-pool/internal/models"
)

// CheckpointRepository persists per-job harvest progress in Postgres. Each
// save replaces the job's payload wholesale; there is no merging.
type CheckpointRepository struct {
	db *PostgresDB
}

// NewCheckpointRepository creates a new checkpoint repository
func NewCheckpointRepository(db *PostgresDB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

// Save stores the progress payload for a job, replacing any previous payload
func (r *CheckpointRepository) Save(ctx context.Context, jobID string, payload json.RawMessage) error {
	query := `
		INSERT INTO checkpoints (job_id, payload, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (job_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			updated_at = NOW()
	`

	_, err := r.db.Pool().Exec(ctx, query, jobID, payload)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return nil
}

// Load retrieves the progress payload for a job. The boolean reports whether
// a checkpoint exists; a missing checkpoint is not an error.
func (r *CheckpointRepository) Load(ctx context.Context, jobID string) (json.RawMessage, bool, error) {
	query := `
		SELECT payload
		FROM checkpoints
		WHERE job_id = $1
	`

	var payload json.RawMessage
	err := r.db.Pool().QueryRow(ctx, query, jobID).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	return payload, true, nil
}

// Get retrieves the full checkpoint record for a job, nil when absent
func (r *CheckpointRepository) Get(ctx context.Context, jobID string) (*models.CheckpointRecord, error) {
	query := `
		SELECT job_id, payload, updated_at
		FROM checkpoints
		WHERE job_id = $1
	`

	var record models.CheckpointRecord
	err := r.db.Pool().QueryRow(ctx, query, jobID).Scan(
		&record.JobID,
		&record.Payload,
		&record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	return &record, nil
}

// Delete removes a job's checkpoint. Deleting an absent checkpoint is a no-op.
func (r *CheckpointRepository) Delete(ctx context.Context, jobID string) error {
	query := `DELETE FROM checkpoints WHERE job_id = $1`

	_, err := r.db.Pool().Exec(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}

	return nil
}
