// Package trip holds the in-process source of truth for the current trip.
package trip

import (
	"context"
	"log"
	"time"

	"github.com/safetrail/client/internal/storage/models"
)

// Store is the slice of the durable local store the authority persists
// through. Failures are best-effort durability, never a correctness
// dependency.
type Store interface {
	CacheTrip(ctx context.Context, trip models.Trip) error
	UpdateCheckinCount(ctx context.Context, id string, count int, lastCheckinAt *time.Time) error
	Delete(ctx context.Context, id string) error
}

// Sessions is the background display session manager as seen by the
// authority.
type Sessions interface {
	Start(trip models.Trip, checkinCount int)
	Update(trip models.Trip, checkinCount int)
	End(trip *models.Trip)
}

// SnapshotWriter publishes the display snapshot to the out-of-process widget
// surface.
type SnapshotWriter interface {
	Write(snapshot Snapshot) error
	Clear() error
}

// Fetcher fetches the authoritative active trip from the server.
type Fetcher interface {
	FetchActiveTrip(ctx context.Context) (*models.Trip, *int, error)
}

// Authority is the single in-process source of truth for the current trip
// and its check-in count. All mutations run on one goroutine, so they apply
// in call order and never interleave.
type Authority struct {
	store   Store
	session Sessions
	widget  SnapshotWriter
	fetcher Fetcher

	commands chan func()
	done     chan struct{}

	// Mutable state below is confined to the run loop.
	current  *models.Trip
	count    int
	version  int64
	snapshot *Snapshot
}

// NewAuthority creates a trip state authority. Call Run in a goroutine
// before using it.
func NewAuthority(store Store, session Sessions, widget SnapshotWriter, fetcher Fetcher) *Authority {
	return &Authority{
		store:    store,
		session:  session,
		widget:   widget,
		fetcher:  fetcher,
		commands: make(chan func(), 64),
		done:     make(chan struct{}),
	}
}

// Run processes mutations until Stop is called. This should be called in a
// goroutine.
func (a *Authority) Run() {
	for {
		select {
		case cmd := <-a.commands:
			cmd()
		case <-a.done:
			return
		}
	}
}

// Stop terminates the run loop.
func (a *Authority) Stop() {
	close(a.done)
}

// exec runs fn on the authority goroutine and waits for it to complete.
func (a *Authority) exec(fn func()) {
	ready := make(chan struct{})
	a.commands <- func() {
		fn()
		close(ready)
	}
	<-ready
}

// StartTrip installs a newly started trip, persists it, regenerates the
// display snapshot and opens a background session.
func (a *Authority) StartTrip(trip models.Trip, initialCount int) {
	a.exec(func() {
		trip.CheckinCount = initialCount
		a.current = &trip
		a.count = initialCount
		a.version++

		a.persistTrip()
		a.publish()
		a.session.Start(trip, a.count)
	})
}

// OptimisticCheckin increments the check-in count before any network
// confirmation and returns the new count for immediate UI feedback. Safe to
// call repeatedly without awaiting the server.
func (a *Authority) OptimisticCheckin(trip models.Trip) int {
	var newCount int
	a.exec(func() {
		if a.current == nil || a.current.ID != trip.ID {
			a.current = &trip
		}

		now := time.Now().UTC()
		a.count++
		a.current.CheckinCount = a.count
		a.current.LastCheckinAt = &now
		a.version++
		newCount = a.count

		a.persistCount()
		a.publish()
		a.session.Update(*a.current, a.count)
	})
	return newCount
}

// RollbackCheckin restores a prior count after the corresponding server call
// failed. Side effects mirror OptimisticCheckin.
func (a *Authority) RollbackCheckin(previousCount int, trip models.Trip) {
	a.exec(func() {
		if a.current == nil || a.current.ID != trip.ID {
			return
		}

		a.count = previousCount
		a.current.CheckinCount = previousCount
		a.version++

		a.persistCount()
		a.publish()
		a.session.Update(*a.current, a.count)
	})
}

// UpdateTripState applies an authoritative trip from a confirmed server
// response. The server wins for every field except the check-in count, where
// a nil count means "not provided, keep the existing value"; a present value
// (including zero) always wins.
func (a *Authority) UpdateTripState(trip models.Trip, checkinCount *int) {
	a.exec(func() {
		if checkinCount != nil {
			a.count = *checkinCount
		} else if a.current == nil || a.current.ID != trip.ID {
			a.count = trip.CheckinCount
		}
		trip.CheckinCount = a.count
		a.current = &trip
		a.version++

		a.persistTrip()
		a.publish()

		if trip.IsFinished() {
			a.session.End(&trip)
		} else {
			a.session.Update(trip, a.count)
		}
	})
}

// ClearTripState resets to empty, clears the persisted snapshot and ends all
// background sessions.
func (a *Authority) ClearTripState() {
	a.exec(func() {
		if a.current != nil {
			if err := a.store.Delete(context.Background(), a.current.ID); err != nil {
				log.Printf("Failed to delete cached trip: %v", err)
			}
		}

		a.current = nil
		a.count = 0
		a.snapshot = nil
		a.version++

		if err := a.widget.Clear(); err != nil {
			log.Printf("Failed to clear widget snapshot: %v", err)
		}
		a.session.End(nil)
	})
}

// Refresh fetches the authoritative state from the server and applies it.
// The fetch happens off the authority goroutine; only the resulting mutation
// is serialized. Refresh is an idempotent overwrite, so duplicate triggers
// (feed events, IPC wakeups, scheduler ticks) are harmless.
func (a *Authority) Refresh(ctx context.Context) error {
	trip, count, err := a.fetcher.FetchActiveTrip(ctx)
	if err != nil {
		return err
	}

	if trip == nil {
		if _, _, ok := a.CurrentTrip(); ok {
			a.ClearTripState()
		}
		return nil
	}

	a.UpdateTripState(*trip, count)
	return nil
}

// CurrentTrip returns the current trip and check-in count, if any.
func (a *Authority) CurrentTrip() (models.Trip, int, bool) {
	var (
		trip  models.Trip
		count int
		ok    bool
	)
	a.exec(func() {
		if a.current != nil {
			trip = *a.current
			count = a.count
			ok = true
		}
	})
	return trip, count, ok
}

// Version returns the monotonic state version counter. It is only ever
// compared locally for staleness, never sent to the server.
func (a *Authority) Version() int64 {
	var v int64
	a.exec(func() { v = a.version })
	return v
}

// Snapshot returns the latest display snapshot, or nil when no trip is
// active.
func (a *Authority) Snapshot() *Snapshot {
	var snap *Snapshot
	a.exec(func() {
		if a.snapshot != nil {
			copied := *a.snapshot
			snap = &copied
		}
	})
	return snap
}

// publish regenerates the display snapshot and pushes it to the widget
// surface.
func (a *Authority) publish() {
	if a.current == nil {
		return
	}

	snap := buildSnapshot(a.current, a.count, a.version, time.Now().UTC())
	a.snapshot = &snap

	if err := a.widget.Write(snap); err != nil {
		log.Printf("Failed to write widget snapshot: %v", err)
	}
}

// persistTrip caches the full current trip. Persistence failures are logged
// and swallowed; in-memory state stays authoritative for the process
// lifetime.
func (a *Authority) persistTrip() {
	if a.current == nil {
		return
	}
	if err := a.store.CacheTrip(context.Background(), *a.current); err != nil {
		log.Printf("Failed to persist trip %s: %v", a.current.ID, err)
	}
}

// persistCount caches just the optimistic check-in count.
func (a *Authority) persistCount() {
	if a.current == nil {
		return
	}
	if err := a.store.UpdateCheckinCount(context.Background(), a.current.ID, a.count, a.current.LastCheckinAt); err != nil {
		log.Printf("Failed to persist check-in count for %s: %v", a.current.ID, err)
	}
}
