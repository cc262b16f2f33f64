package models

import (
	"time"
)

// Pending action type constants
const (
	ActionCheckin  = "checkin"
	ActionCheckout = "checkout"
	ActionComplete = "complete"
)

// PendingAction is an offline action queued for replay against the server.
// The id is assigned by sqlite and is monotonic, which gives the queue its
// FIFO replay order. The row is persisted before the corresponding optimistic
// mutation is considered committed, so the queue is safe to replay after a
// crash.
type PendingAction struct {
	ID         int64             `json:"id"`
	ActionType string            `json:"action_type"`
	TripID     *string           `json:"trip_id,omitempty"`
	Payload    map[string]string `json:"payload"`
	CreatedAt  time.Time         `json:"created_at"`
}
