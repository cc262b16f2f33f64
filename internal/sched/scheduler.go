// Package sched runs the agent's periodic reconciliation jobs.
package sched

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/safetrail/client/internal/storage/models"
)

// Authority is the slice of the trip state authority the scheduler drives.
type Authority interface {
	CurrentTrip() (models.Trip, int, bool)
	UpdateTripState(trip models.Trip, checkinCount *int)
	Refresh(ctx context.Context) error
}

// Sessions reconciles the background display session.
type Sessions interface {
	RestoreIfNeeded(trip *models.Trip)
}

// Drainer replays the offline queue.
type Drainer interface {
	Drain(ctx context.Context) error
}

// Pruner trims stale cached trips.
type Pruner interface {
	PruneCompleted(ctx context.Context, cutoff time.Time) (int64, error)
}

// Connectivity reports whether the server is reachable.
type Connectivity interface {
	Online() bool
}

// Scheduler owns the cron jobs that keep the local state converging: overdue
// evaluation, periodic authoritative refresh, offline-queue drains and cache
// pruning.
type Scheduler struct {
	cron      *cron.Cron
	authority Authority
	sessions  Sessions
	drainer   Drainer
	pruner    Pruner
	network   Connectivity
}

// NewScheduler creates the periodic job scheduler.
func NewScheduler(authority Authority, sessions Sessions, drainer Drainer, pruner Pruner, network Connectivity) *Scheduler {
	return &Scheduler{
		cron:      cron.New(cron.WithSeconds()),
		authority: authority,
		sessions:  sessions,
		drainer:   drainer,
		pruner:    pruner,
		network:   network,
	}
}

// Start begins the periodic jobs.
func (s *Scheduler) Start() {
	log.Println("Starting reconciliation scheduler...")

	s.cron.AddFunc("@every 30s", s.evaluateOverdue)
	s.cron.AddFunc("@every 5m", s.refreshActive)
	s.cron.AddFunc("@every 1m", s.drainQueue)
	s.cron.AddFunc("@every 24h", s.pruneCache)

	s.cron.Start()
	log.Println("Reconciliation scheduler started")
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() {
	log.Println("Stopping reconciliation scheduler...")
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Println("Reconciliation scheduler stopped")
}

// evaluateOverdue transitions the current trip to overdue once it is past
// its deadline. The status change makes the session reconciliation bypass
// its debounce, so the overlay flips to overdue immediately.
func (s *Scheduler) evaluateOverdue() {
	trip, _, ok := s.authority.CurrentTrip()
	if !ok {
		return
	}

	if trip.Status == models.TripStatusActive && trip.IsOverdue(time.Now().UTC()) {
		log.Printf("Trip %s is overdue (deadline %s)", trip.ID, trip.Deadline().Format(time.RFC3339))
		trip.Status = models.TripStatusOverdue
		s.authority.UpdateTripState(trip, nil)
	}

	s.sessions.RestoreIfNeeded(&trip)
}

// refreshActive pulls authoritative state while a trip is in flight.
func (s *Scheduler) refreshActive() {
	if _, _, ok := s.authority.CurrentTrip(); !ok {
		return
	}
	if !s.network.Online() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.authority.Refresh(ctx); err != nil {
		log.Printf("Periodic refresh failed: %v", err)
	}
}

// drainQueue replays pending offline actions while the server is reachable.
func (s *Scheduler) drainQueue() {
	if !s.network.Online() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := s.drainer.Drain(ctx); err != nil {
		log.Printf("Scheduled queue drain stopped: %v", err)
	}
}

// pruneCache drops completed trips cached more than a week ago.
func (s *Scheduler) pruneCache() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-7 * 24 * time.Hour)
	pruned, err := s.pruner.PruneCompleted(ctx, cutoff)
	if err != nil {
		log.Printf("Cache prune failed: %v", err)
		return
	}
	if pruned > 0 {
		log.Printf("Pruned %d stale cached trips", pruned)
	}
}
