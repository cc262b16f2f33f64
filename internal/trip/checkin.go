package trip

import (
	"context"
	"errors"
	"log"

	"github.com/safetrail/client/internal/api"
	"github.com/safetrail/client/internal/storage"
	"github.com/safetrail/client/internal/storage/models"
)

// ActionQueue is the durable pending-action queue as seen by the check-in
// service.
type ActionQueue interface {
	Queue(ctx context.Context, action *models.PendingAction) error
	Remove(ctx context.Context, id int64) error
}

// CheckinAPI is the slice of the server client the check-in service needs.
type CheckinAPI interface {
	Checkin(ctx context.Context, tripID, idempotencyKey string) (*api.CheckinResponse, error)
	Checkout(ctx context.Context, tripID, idempotencyKey string) (*api.CheckinResponse, error)
}

// Network reports current server reachability.
type Network interface {
	Online() bool
}

// CheckinService orchestrates user check-ins and checkouts. The pending
// action is persisted before the optimistic count moves, so a crash between
// the two replays the action instead of losing it. Each action carries a
// fresh idempotency key, making a duplicate replay a server no-op.
type CheckinService struct {
	authority *Authority
	queue     ActionQueue
	api       CheckinAPI
	network   Network

	// Overridable in tests.
	newKey func() string
}

// NewCheckinService creates a check-in service over the authority, the
// durable action queue and the server client.
func NewCheckinService(authority *Authority, queue ActionQueue, apiClient CheckinAPI, network Network) *CheckinService {
	return &CheckinService{
		authority: authority,
		queue:     queue,
		api:       apiClient,
		network:   network,
		newKey:    storage.GenerateID,
	}
}

// Checkin records a check-in for the trip and returns the count to display.
// Offline or on a transient server failure the optimistic count stands and
// the queued action replays on reconnect. On a server rejection the count
// rolls back and the action is dropped.
func (s *CheckinService) Checkin(ctx context.Context, t models.Trip) (int, error) {
	action := s.enqueue(ctx, models.ActionCheckin, t.ID)

	newCount := s.authority.OptimisticCheckin(t)

	if !s.network.Online() {
		return newCount, nil
	}

	resp, err := s.api.Checkin(ctx, t.ID, action.Payload["idempotency_key"])
	if err != nil {
		if errors.Is(err, api.ErrUnavailable) {
			return newCount, nil
		}
		s.authority.RollbackCheckin(newCount-1, t)
		s.drop(ctx, action)
		return 0, err
	}

	s.drop(ctx, action)
	confirmed := resp.Trip.ToModel()
	s.authority.UpdateTripState(confirmed, &resp.CheckinCount)
	return resp.CheckinCount, nil
}

// Checkout records the end of the trip. Offline or on a transient failure
// the trip is marked completed locally and the queued action replays later;
// online, the server's final state wins immediately.
func (s *CheckinService) Checkout(ctx context.Context, t models.Trip) error {
	action := s.enqueue(ctx, models.ActionCheckout, t.ID)

	if !s.network.Online() {
		s.completeLocally(t)
		return nil
	}

	resp, err := s.api.Checkout(ctx, t.ID, action.Payload["idempotency_key"])
	if err != nil {
		if errors.Is(err, api.ErrUnavailable) {
			s.completeLocally(t)
			return nil
		}
		s.drop(ctx, action)
		return err
	}

	s.drop(ctx, action)
	confirmed := resp.Trip.ToModel()
	s.authority.UpdateTripState(confirmed, &resp.CheckinCount)
	return nil
}

// enqueue persists the action before any local state moves. A queue failure
// is logged and never blocks the action itself.
func (s *CheckinService) enqueue(ctx context.Context, actionType, tripID string) *models.PendingAction {
	action := &models.PendingAction{
		ActionType: actionType,
		TripID:     &tripID,
		Payload:    map[string]string{"idempotency_key": s.newKey()},
	}
	if err := s.queue.Queue(ctx, action); err != nil {
		log.Printf("Failed to queue %s for trip %s: %v", actionType, tripID, err)
	}
	return action
}

// drop removes an action the server has settled, confirmed or rejected.
func (s *CheckinService) drop(ctx context.Context, action *models.PendingAction) {
	if action.ID == 0 {
		return
	}
	if err := s.queue.Remove(ctx, action.ID); err != nil {
		log.Printf("Failed to remove pending action %d: %v", action.ID, err)
	}
}

func (s *CheckinService) completeLocally(t models.Trip) {
	done := t
	done.Status = models.TripStatusCompleted
	s.authority.UpdateTripState(done, nil)
}
