// Package live manages the lifecycle of rate-limited background display
// sessions and their delivery tokens.
package live

import (
	"context"
	"errors"
	"time"

	"github.com/safetrail/client/internal/storage/models"
)

// ErrNotAuthorized is returned by a Surface when the user has disabled
// background display sessions. It is never retried; the feature is disabled
// for the rest of the session.
var ErrNotAuthorized = errors.New("background display not authorized")

// Content is the state a background display session renders.
type Content struct {
	TripID       string     `json:"trip_id"`
	Title        string     `json:"title"`
	Status       string     `json:"status"`
	ETA          time.Time  `json:"eta"`
	CheckinCount int        `json:"checkin_count"`
	LastCheckin  *time.Time `json:"last_checkin,omitempty"`
	Overdue      bool       `json:"overdue"`
}

// contentFor derives the display content for a trip at the given time.
func contentFor(trip models.Trip, checkinCount int, now time.Time) Content {
	return Content{
		TripID:       trip.ID,
		Title:        trip.Title,
		Status:       trip.Status,
		ETA:          trip.ETA,
		CheckinCount: checkinCount,
		LastCheckin:  trip.LastCheckinAt,
		Overdue:      trip.IsOverdue(now),
	}
}

// Surface abstracts the OS background-display API. Request opens a session
// for content.TripID and returns the stream of rotating delivery tokens the
// OS issues for it; the stream is closed when the session ends.
type Surface interface {
	Request(ctx context.Context, content Content, staleAt time.Time) (<-chan string, error)
	Update(ctx context.Context, tripID string, content Content, staleAt time.Time) error
	End(ctx context.Context, tripID string, final *Content) error
}
