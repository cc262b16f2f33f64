package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"github.com/safetrail/client/internal/storage/models"
)

// ActionRepository provides data access for the offline pending-action queue.
// The queue is strictly FIFO: sqlite assigns monotonically increasing ids and
// reads always order by id.
type ActionRepository struct {
	BaseRepository
}

// NewActionRepository creates a new pending-action repository.
func NewActionRepository(db *DB) *ActionRepository {
	return &ActionRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// Queue appends an action to the pending queue and fills in its assigned id
// and creation time. Callers must persist the action before treating the
// corresponding optimistic mutation as committed.
func (r *ActionRepository) Queue(ctx context.Context, action *models.PendingAction) error {
	if action.Payload == nil {
		action.Payload = map[string]string{}
	}
	payload, err := json.Marshal(action.Payload)
	if err != nil {
		return fmt.Errorf("encoding action payload: %w", err)
	}

	action.CreatedAt = r.Now()

	res, err := r.DB().ExecContext(ctx, `
		INSERT INTO pending_actions (action_type, trip_id, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, action.ActionType, action.TripID, string(payload), action.CreatedAt)
	if err != nil {
		return fmt.Errorf("queueing pending action: %w", err)
	}

	action.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading pending action id: %w", err)
	}

	return nil
}

// List returns all pending actions in creation (replay) order. Actions whose
// payload no longer parses are dropped from the result rather than failing
// the read.
func (r *ActionRepository) List(ctx context.Context) ([]models.PendingAction, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT id, action_type, trip_id, payload, created_at
		FROM pending_actions
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying pending actions: %w", err)
	}
	defer rows.Close()

	var actions []models.PendingAction
	for rows.Next() {
		var action models.PendingAction
		var payload string
		if err := rows.Scan(&action.ID, &action.ActionType, &action.TripID, &payload, &action.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning pending action: %w", err)
		}

		if err := json.Unmarshal([]byte(payload), &action.Payload); err != nil {
			log.Printf("Dropping pending action %d with unparsable payload: %v", action.ID, err)
			continue
		}

		actions = append(actions, action)
	}

	return actions, rows.Err()
}

// Remove deletes an action once it has been confirmed synced.
func (r *ActionRepository) Remove(ctx context.Context, id int64) error {
	_, err := r.DB().ExecContext(ctx, `DELETE FROM pending_actions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("removing pending action: %w", err)
	}
	return nil
}

// Count returns the number of queued actions.
func (r *ActionRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_actions`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting pending actions: %w", err)
	}
	return count, nil
}

// HasForTrip reports whether any pending action references the given trip.
func (r *ActionRepository) HasForTrip(ctx context.Context, tripID string) (bool, error) {
	var one int
	err := r.DB().QueryRowContext(ctx, `
		SELECT 1 FROM pending_actions WHERE trip_id = ? LIMIT 1
	`, tripID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking pending actions for trip: %w", err)
	}
	return true, nil
}
