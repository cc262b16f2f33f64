package trip_test

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safetrail/client/internal/api"
	"github.com/safetrail/client/internal/replay"
	"github.com/safetrail/client/internal/storage"
	"github.com/safetrail/client/internal/storage/models"
	"github.com/safetrail/client/internal/trip"
)

// fakeQueue is an in-memory pending-action queue that records removals.
type fakeQueue struct {
	mu      sync.Mutex
	nextID  int64
	actions []models.PendingAction
	removed []int64
	onQueue func()
}

func (q *fakeQueue) Queue(ctx context.Context, action *models.PendingAction) error {
	if q.onQueue != nil {
		q.onQueue()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	action.ID = q.nextID
	q.actions = append(q.actions, *action)
	return nil
}

func (q *fakeQueue) Remove(ctx context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed = append(q.removed, id)
	return nil
}

func (q *fakeQueue) pending() []models.PendingAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	gone := make(map[int64]bool, len(q.removed))
	for _, id := range q.removed {
		gone[id] = true
	}
	var left []models.PendingAction
	for _, a := range q.actions {
		if !gone[a.ID] {
			left = append(left, a)
		}
	}
	return left
}

var _ trip.ActionQueue = (*fakeQueue)(nil)

// recordingAPI records check-in and checkout calls. It doubles as the
// replayer's server in the end-to-end test below.
type recordingAPI struct {
	mu          sync.Mutex
	calls       []string
	checkinErr  error
	checkoutErr error
	response    *api.CheckinResponse
}

func (a *recordingAPI) Checkin(ctx context.Context, tripID, key string) (*api.CheckinResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.checkinErr != nil {
		return nil, a.checkinErr
	}
	a.calls = append(a.calls, "checkin:"+tripID+":"+key)
	return a.respond(tripID), nil
}

func (a *recordingAPI) Checkout(ctx context.Context, tripID, key string) (*api.CheckinResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.checkoutErr != nil {
		return nil, a.checkoutErr
	}
	a.calls = append(a.calls, "checkout:"+tripID+":"+key)
	return a.respond(tripID), nil
}

func (a *recordingAPI) respond(tripID string) *api.CheckinResponse {
	if a.response != nil {
		return a.response
	}
	return &api.CheckinResponse{
		Trip: api.TripPayload{ID: tripID, Status: models.TripStatusActive},
	}
}

func (a *recordingAPI) callLog() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func (a *recordingAPI) checkins() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if strings.HasPrefix(c, "checkin:") {
			n++
		}
	}
	return n
}

var _ trip.CheckinAPI = (*recordingAPI)(nil)
var _ replay.API = (*recordingAPI)(nil)

type fakeNetwork struct{ online bool }

func (n *fakeNetwork) Online() bool { return n.online }

var _ trip.Network = (*fakeNetwork)(nil)

func newCheckinFixture(t *testing.T, online bool) (*trip.CheckinService, *trip.Authority, *fakeQueue, *recordingAPI, *fakeSessions) {
	t.Helper()

	store := newFakeStore()
	sessions := &fakeSessions{}
	queue := &fakeQueue{}
	server := &recordingAPI{}
	a := newAuthority(t, store, sessions, &fakeWidget{}, nil)
	svc := trip.NewCheckinService(a, queue, server, &fakeNetwork{online: online})
	return svc, a, queue, server, sessions
}

func TestCheckinService_PersistsActionBeforeOptimisticCount(t *testing.T) {
	svc, a, queue, _, _ := newCheckinFixture(t, false)
	tr := activeTrip("trip-1")
	a.StartTrip(tr, 0)

	countAtQueueTime := -1
	queue.onQueue = func() {
		_, count, _ := a.CurrentTrip()
		countAtQueueTime = count
	}

	newCount, err := svc.Checkin(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, 1, newCount)
	assert.Equal(t, 0, countAtQueueTime)
}

func TestCheckinService_OfflineKeepsActionQueued(t *testing.T) {
	svc, a, queue, server, _ := newCheckinFixture(t, false)
	tr := activeTrip("trip-1")
	a.StartTrip(tr, 0)

	newCount, err := svc.Checkin(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, 1, newCount)

	assert.Empty(t, server.callLog())

	pending := queue.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, models.ActionCheckin, pending[0].ActionType)
	require.NotNil(t, pending[0].TripID)
	assert.Equal(t, "trip-1", *pending[0].TripID)
	assert.NotEmpty(t, pending[0].Payload["idempotency_key"])
}

func TestCheckinService_ConfirmedCheckinDropsAction(t *testing.T) {
	svc, a, queue, server, _ := newCheckinFixture(t, true)
	tr := activeTrip("trip-1")
	a.StartTrip(tr, 0)

	count := 5
	server.response = &api.CheckinResponse{
		Trip:         api.TripPayload{ID: "trip-1", Status: models.TripStatusActive, CheckinCount: &count},
		CheckinCount: 5,
	}

	newCount, err := svc.Checkin(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, 5, newCount)

	assert.Empty(t, queue.pending())
	_, current, _ := a.CurrentTrip()
	assert.Equal(t, 5, current)
}

func TestCheckinService_TransientFailureLeavesActionQueued(t *testing.T) {
	svc, a, queue, server, _ := newCheckinFixture(t, true)
	tr := activeTrip("trip-1")
	a.StartTrip(tr, 0)

	server.checkinErr = api.ErrUnavailable

	newCount, err := svc.Checkin(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, 1, newCount)

	require.Len(t, queue.pending(), 1)
	_, current, _ := a.CurrentTrip()
	assert.Equal(t, 1, current)
}

func TestCheckinService_RejectionRollsBackAndDropsAction(t *testing.T) {
	svc, a, queue, server, _ := newCheckinFixture(t, true)
	tr := activeTrip("trip-1")
	a.StartTrip(tr, 0)

	server.checkinErr = api.ErrNotFound

	_, err := svc.Checkin(context.Background(), tr)
	require.ErrorIs(t, err, api.ErrNotFound)

	assert.Empty(t, queue.pending())
	_, current, _ := a.CurrentTrip()
	assert.Equal(t, 0, current)
}

func TestCheckinService_Checkout_OfflineCompletesLocally(t *testing.T) {
	svc, a, queue, server, sessions := newCheckinFixture(t, false)
	tr := activeTrip("trip-1")
	a.StartTrip(tr, 0)

	require.NoError(t, svc.Checkout(context.Background(), tr))

	assert.Empty(t, server.callLog())
	pending := queue.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, models.ActionCheckout, pending[0].ActionType)

	current, _, ok := a.CurrentTrip()
	require.True(t, ok)
	assert.Equal(t, models.TripStatusCompleted, current.Status)
	assert.Equal(t, "end:trip-1", sessions.last())
}

func TestCheckinService_Checkout_ConfirmedAppliesServerState(t *testing.T) {
	svc, a, queue, server, sessions := newCheckinFixture(t, true)
	tr := activeTrip("trip-1")
	a.StartTrip(tr, 0)

	server.response = &api.CheckinResponse{
		Trip: api.TripPayload{ID: "trip-1", Status: models.TripStatusCompleted},
	}

	require.NoError(t, svc.Checkout(context.Background(), tr))

	assert.Empty(t, queue.pending())
	current, _, _ := a.CurrentTrip()
	assert.Equal(t, models.TripStatusCompleted, current.Status)
	assert.Equal(t, "end:trip-1", sessions.last())
}

func newActionQueue(t *testing.T) *storage.ActionRepository {
	t.Helper()

	db, err := storage.NewDB(filepath.Join(t.TempDir(), "safetrail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.RunMigrations(db))

	return storage.NewActionRepository(db)
}

// TestCheckinService_OfflineCheckinsReplayThenReconcile walks the whole
// offline round trip against a real sqlite queue: three check-ins while
// offline land in the durable queue, the replayer drains them in creation
// order on reconnect, and the refreshed authoritative count matches what the
// server confirmed.
func TestCheckinService_OfflineCheckinsReplayThenReconcile(t *testing.T) {
	ctx := context.Background()
	queue := newActionQueue(t)
	store := newFakeStore()
	sessions := &fakeSessions{}
	server := &recordingAPI{}

	fetcher := &fakeFetcher{fetch: func(ctx context.Context) (*models.Trip, *int, error) {
		tr := activeTrip("trip-42")
		confirmed := server.checkins()
		return &tr, &confirmed, nil
	}}
	a := newAuthority(t, store, sessions, &fakeWidget{}, fetcher)
	svc := trip.NewCheckinService(a, queue, server, &fakeNetwork{online: false})

	tr := activeTrip("trip-42")
	a.StartTrip(tr, 0)

	for want := 1; want <= 3; want++ {
		got, err := svc.Checkin(ctx, tr)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Empty(t, server.callLog())

	queued, err := queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 3)

	// Connectivity restored: the queue drains in creation order with the
	// keys assigned at check-in time.
	r := replay.NewReplayer(queue, server, a)
	require.NoError(t, r.Drain(ctx))

	var want []string
	for _, action := range queued {
		want = append(want, "checkin:trip-42:"+action.Payload["idempotency_key"])
	}
	assert.Equal(t, want, server.callLog())

	left, err := queue.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, left)

	_, count, ok := a.CurrentTrip()
	require.True(t, ok)
	assert.Equal(t, 3, count)
}
