// Package checkpoint persists harvest job progress so an interrupted run
// resumes where it stopped instead of starting over.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"

	apperrors "github.com/harvest-pool/internal/errors"
	"github.com/harvest-pool/internal/logging"
	"github.com/harvest-pool/internal/storage"
)

// ErrEmptyJobID is returned when a checkpoint operation names no job.
var ErrEmptyJobID = errors.New("job id is required")

// Checkpointer stores and recalls per-job progress payloads. Payloads are
// opaque JSON owned by the job that wrote them; each save replaces the
// previous payload wholesale.
type Checkpointer struct {
	checkpoints *storage.CheckpointRepository
	logger      *logging.Logger
}

// NewCheckpointer creates a new checkpointer over the given repository.
func NewCheckpointer(checkpoints *storage.CheckpointRepository) *Checkpointer {
	return &Checkpointer{
		checkpoints: checkpoints,
		logger:      logging.GetGlobalLogger(),
	}
}

// SaveProgress replaces the stored payload for a job. There is no merge: a
// job checkpoints its entire cursor state every time.
func (c *Checkpointer) SaveProgress(ctx context.Context, jobID string, payload json.RawMessage) error {
	if jobID == "" {
		return ErrEmptyJobID
	}

	if err := c.checkpoints.Save(ctx, jobID, payload); err != nil {
		return apperrors.NewStoreUnavailable("checkpoint.SaveProgress", err)
	}

	c.logger.WithField("job_id", jobID).Debug("Checkpoint saved")
	return nil
}

// LoadProgress returns the stored payload for a job. The second return
// value distinguishes a job that has never checkpointed from one whose
// payload is empty.
func (c *Checkpointer) LoadProgress(ctx context.Context, jobID string) (json.RawMessage, bool, error) {
	if jobID == "" {
		return nil, false, ErrEmptyJobID
	}

	payload, ok, err := c.checkpoints.Load(ctx, jobID)
	if err != nil {
		return nil, false, apperrors.NewStoreUnavailable("checkpoint.LoadProgress", err)
	}
	return payload, ok, nil
}

// ClearProgress removes a job's checkpoint, typically after the job ran to
// completion. Clearing a job that never checkpointed is a no-op.
func (c *Checkpointer) ClearProgress(ctx context.Context, jobID string) error {
	if jobID == "" {
		return ErrEmptyJobID
	}

	if err := c.checkpoints.Delete(ctx, jobID); err != nil {
		return apperrors.NewStoreUnavailable("checkpoint.ClearProgress", err)
	}

	c.logger.WithField("job_id", jobID).Debug("Checkpoint cleared")
	return nil
}
