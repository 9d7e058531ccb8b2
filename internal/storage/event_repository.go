package storage

import (
	"context"
	"fmt"

	"github.com/harvest-pool/internal/models"
)

// EventRepository appends account lifecycle transitions to ClickHouse.
// The table is append-only; rows are never updated or deleted.
type EventRepository struct {
	db *ClickHouseDB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *ClickHouseDB) *EventRepository {
	return &EventRepository{db: db}
}

// BatchInsert inserts multiple transition events in a batch
func (r *EventRepository) BatchInsert(ctx context.Context, events []*models.TransitionEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO account_events (
			account_id, event, outcome, reason, fail_count, occurred_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, event := range events {
		err = batch.Append(
			event.AccountID,
			event.Event,
			event.Outcome,
			event.Reason,
			int32(event.FailCount),
			event.OccurredAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append event for account %s to batch: %w", event.AccountID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	return nil
}

// ListRecent retrieves the most recent transition events for an account,
// newest first.
func (r *EventRepository) ListRecent(ctx context.Context, accountID string, limit int) ([]*models.TransitionEvent, error) {
	query := `
		SELECT account_id, event, outcome, reason, fail_count, occurred_at
		FROM account_events
		WHERE account_id = ?
		ORDER BY occurred_at DESC
		LIMIT ?
	`

	rows, err := r.db.Conn().Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*models.TransitionEvent
	for rows.Next() {
		var event models.TransitionEvent
		var failCount int32

		err := rows.Scan(
			&event.AccountID,
			&event.Event,
			&event.Outcome,
			&event.Reason,
			&failCount,
			&event.OccurredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		event.FailCount = int(failCount)
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}
