package feed

import (
	"context"
	"log"
	"time"
)

// Refresher triggers an authoritative refresh of local trip state.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Dispatcher turns relevant row events into authoritative refreshes. The
// refresh runs on its own goroutine so event delivery never waits on a
// server round trip, and because a refresh is an idempotent overwrite,
// duplicate delivery after a re-subscribe is a no-op.
type Dispatcher struct {
	subjectID string
	refresher Refresher
	timeout   time.Duration
}

// NewDispatcher creates a dispatcher filtering on the given subject id.
func NewDispatcher(subjectID string, refresher Refresher) *Dispatcher {
	return &Dispatcher{
		subjectID: subjectID,
		refresher: refresher,
		timeout:   30 * time.Second,
	}
}

// Handle implements the feed Handler contract.
func (d *Dispatcher) Handle(event RowEvent) {
	if !d.relevant(event) {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.refresher.Refresh(ctx); err != nil {
			log.Printf("Refresh after %s on %s failed: %v", event.Type, event.Table, err)
		}
	}()
}

func (d *Dispatcher) relevant(event RowEvent) bool {
	return refersToSubject(event.After, d.subjectID) || refersToSubject(event.Before, d.subjectID)
}

// refersToSubject checks whether a row's field map references the subject.
func refersToSubject(fields map[string]any, subject string) bool {
	for _, key := range []string{"user_id", "subject_id", "owner_id"} {
		if v, ok := fields[key].(string); ok && v == subject {
			return true
		}
	}
	return false
}
