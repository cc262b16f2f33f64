// Package models defines the persisted entities for the safetrail agent.
package models

import (
	"time"
)

// Trip status constants
const (
	TripStatusActive          = "active"           // Trip in progress
	TripStatusOverdue         = "overdue"          // Past ETA + grace period
	TripStatusOverdueNotified = "overdue_notified" // Overdue and contacts alerted
	TripStatusCompleted       = "completed"        // Checked out
)

// Trip represents a safety-tracked trip. The server owns the record; the
// client holds a cached copy plus a locally-owned optimistic check-in count.
type Trip struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	ActivityID    string     `json:"activity_id"`
	StartedAt     time.Time  `json:"started_at"`
	ETA           time.Time  `json:"eta"`
	GraceMinutes  int        `json:"grace_minutes"`
	Location      *string    `json:"location,omitempty"`
	CheckinToken  string     `json:"checkin_token"`
	CheckoutToken string     `json:"checkout_token"`
	Status        string     `json:"status"`
	LastCheckinAt *time.Time `json:"last_checkin_at,omitempty"`
	CheckinCount  int        `json:"checkin_count"`
}

// Deadline returns the moment the trip becomes overdue (ETA plus grace).
func (t *Trip) Deadline() time.Time {
	return t.ETA.Add(time.Duration(t.GraceMinutes) * time.Minute)
}

// IsOverdue returns true if the trip is past its ETA plus grace period.
func (t *Trip) IsOverdue(now time.Time) bool {
	return now.After(t.Deadline())
}

// StaleAt returns the time after which a live display of this trip should be
// considered stale (deadline plus a 5 minute margin).
func (t *Trip) StaleAt() time.Time {
	return t.Deadline().Add(5 * time.Minute)
}

// IsFinished returns true if the trip no longer needs live tracking.
func (t *Trip) IsFinished() bool {
	return t.Status == TripStatusCompleted
}

// CachedTrip is the locally persisted projection of a Trip.
type CachedTrip struct {
	Trip
	CachedAt time.Time `json:"cached_at"`
}

// Activity is cached auxiliary metadata describing a trip's activity
// category. A cached trip whose activity row is missing is orphaned and
// excluded from reads.
type Activity struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Icon     string    `json:"icon"`
	CachedAt time.Time `json:"cached_at"`
}
