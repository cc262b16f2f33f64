package trip

import (
	"time"

	"github.com/safetrail/client/internal/storage/models"
)

// Snapshot is the flattened, display-ready projection of the current trip
// handed to every display surface. It has no identity of its own: every
// authority mutation fully replaces it.
type Snapshot struct {
	TripID        string     `json:"trip_id"`
	Title         string     `json:"title"`
	ActivityID    string     `json:"activity_id"`
	Location      *string    `json:"location,omitempty"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	ETA           time.Time  `json:"eta"`
	GraceMinutes  int        `json:"grace_minutes"`
	CheckinCount  int        `json:"checkin_count"`
	LastCheckinAt *time.Time `json:"last_checkin_at,omitempty"`
	Overdue       bool       `json:"overdue"`
	StaleAt       time.Time  `json:"stale_at"`
	Version       int64      `json:"version"`
	GeneratedAt   time.Time  `json:"generated_at"`
}

// buildSnapshot flattens a trip plus the current (possibly optimistic)
// check-in count into a display snapshot.
func buildSnapshot(trip *models.Trip, checkinCount int, version int64, now time.Time) Snapshot {
	return Snapshot{
		TripID:        trip.ID,
		Title:         trip.Title,
		ActivityID:    trip.ActivityID,
		Location:      trip.Location,
		Status:        trip.Status,
		StartedAt:     trip.StartedAt,
		ETA:           trip.ETA,
		GraceMinutes:  trip.GraceMinutes,
		CheckinCount:  checkinCount,
		LastCheckinAt: trip.LastCheckinAt,
		Overdue:       trip.IsOverdue(now),
		StaleAt:       trip.StaleAt(),
		Version:       version,
		GeneratedAt:   now,
	}
}
