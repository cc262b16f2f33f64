// Package replay drains the offline pending-action queue against the
// server.
package replay

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/safetrail/client/internal/api"
	"github.com/safetrail/client/internal/storage/models"
)

// Queue is the durable pending-action store.
type Queue interface {
	List(ctx context.Context) ([]models.PendingAction, error)
	Remove(ctx context.Context, id int64) error
}

// API is the slice of the server client replay needs.
type API interface {
	Checkin(ctx context.Context, tripID, idempotencyKey string) (*api.CheckinResponse, error)
	Checkout(ctx context.Context, tripID, idempotencyKey string) (*api.CheckinResponse, error)
}

// Refresher pulls authoritative state once the queue has drained.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Replayer applies queued offline actions to the server strictly in
// creation order. It stops at the first transient failure; the next
// reconnect or scheduler tick picks the queue up again from the same
// action.
type Replayer struct {
	queue     Queue
	api       API
	refresher Refresher

	mu sync.Mutex
}

// NewReplayer creates a pending-action replayer.
func NewReplayer(queue Queue, apiClient API, refresher Refresher) *Replayer {
	return &Replayer{
		queue:     queue,
		api:       apiClient,
		refresher: refresher,
	}
}

// Watch drains the queue each time the reconnected signal fires. This
// should be called in a goroutine.
func (r *Replayer) Watch(ctx context.Context, reconnected <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-reconnected:
			if err := r.Drain(ctx); err != nil {
				log.Printf("Replay after reconnect stopped: %v", err)
			}
		}
	}
}

// Drain replays all pending actions in order, removing each one as the
// server confirms it. After a full drain it refreshes authoritative state so
// the displayed count reflects the server's. Concurrent drains are
// serialized.
func (r *Replayer) Drain(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	actions, err := r.queue.List(ctx)
	if err != nil {
		return fmt.Errorf("listing pending actions: %w", err)
	}
	if len(actions) == 0 {
		return nil
	}

	log.Printf("Replaying %d pending actions", len(actions))

	for _, action := range actions {
		if err := r.apply(ctx, action); err != nil {
			return fmt.Errorf("applying pending action %d (%s): %w", action.ID, action.ActionType, err)
		}
		if err := r.queue.Remove(ctx, action.ID); err != nil {
			return fmt.Errorf("removing pending action %d: %w", action.ID, err)
		}
	}

	if err := r.refresher.Refresh(ctx); err != nil {
		log.Printf("Refresh after replay failed: %v", err)
	}
	return nil
}

func (r *Replayer) apply(ctx context.Context, action models.PendingAction) error {
	tripID := ""
	if action.TripID != nil {
		tripID = *action.TripID
	}
	key := action.Payload["idempotency_key"]

	switch action.ActionType {
	case models.ActionCheckin:
		_, err := r.api.Checkin(ctx, tripID, key)
		return err
	case models.ActionCheckout, models.ActionComplete:
		_, err := r.api.Checkout(ctx, tripID, key)
		return err
	default:
		// Unknown action types are dropped rather than wedging the queue.
		log.Printf("Dropping pending action %d with unknown type %q", action.ID, action.ActionType)
		return nil
	}
}
