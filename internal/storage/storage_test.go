package storage_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safetrail/client/internal/storage"
	"github.com/safetrail/client/internal/storage/models"
)

// newTestDB opens a migrated database in a fresh temp directory and returns
// it along with its path, so tests can close and reopen it.
func newTestDB(t *testing.T) (*storage.DB, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "safetrail.db")
	db, err := storage.NewDB(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, storage.RunMigrations(db))
	return db, path
}

func seedActivity(t *testing.T, db *storage.DB, id string) {
	t.Helper()
	repo := storage.NewActivityRepository(db)
	require.NoError(t, repo.Upsert(context.Background(), models.Activity{ID: id, Name: "Hiking", Icon: "hiking"}))
}

func makeTrip(id string) models.Trip {
	started := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	return models.Trip{
		ID:           id,
		Title:        "Morning hike",
		ActivityID:   "act-hiking",
		StartedAt:    started,
		ETA:          started.Add(4 * time.Hour),
		GraceMinutes: 30,
		Status:       models.TripStatusActive,
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db, path := newTestDB(t)

	// A second run over an up-to-date database must be a no-op.
	require.NoError(t, storage.RunMigrations(db))

	data, err := os.ReadFile(filepath.Join(filepath.Dir(path), "schema_version"))
	require.NoError(t, err)
	assert.Equal(t, "3\n", string(data))
}

func TestRunMigrations_RejectsNewerSchema(t *testing.T) {
	_, path := newTestDB(t)

	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "schema_version"), []byte("99\n"), 0644))

	db, err := storage.NewDB(path)
	require.NoError(t, err)
	defer db.Close()

	err = storage.RunMigrations(db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}

func TestTripRepository_CacheTripsEnforcesBound(t *testing.T) {
	db, _ := newTestDB(t)
	seedActivity(t, db, "act-hiking")
	repo := storage.NewTripRepository(db)

	var trips []models.Trip
	for i := 0; i < storage.MaxCachedTrips+2; i++ {
		trips = append(trips, makeTrip(fmt.Sprintf("trip-%d", i)))
	}
	require.NoError(t, repo.CacheTrips(context.Background(), trips))

	cached, err := repo.CachedTrips(context.Background())
	require.NoError(t, err)
	require.Len(t, cached, storage.MaxCachedTrips)

	// Most recently cached first; the two oldest entries were evicted.
	assert.Equal(t, "trip-6", cached[0].ID)
	assert.Equal(t, "trip-2", cached[len(cached)-1].ID)
}

func TestTripRepository_PendingActionProtectsTrip(t *testing.T) {
	db, _ := newTestDB(t)
	seedActivity(t, db, "act-hiking")
	trips := storage.NewTripRepository(db)
	actions := storage.NewActionRepository(db)
	ctx := context.Background()

	protected := makeTrip("trip-offline")
	require.NoError(t, trips.CacheTrip(ctx, protected))

	tripID := protected.ID
	require.NoError(t, actions.Queue(ctx, &models.PendingAction{
		ActionType: models.ActionCheckin,
		TripID:     &tripID,
	}))

	// Replace the cache with enough fresh trips to overflow the bound. The
	// referenced trip must survive both the replacement and the eviction.
	var fresh []models.Trip
	for i := 0; i < storage.MaxCachedTrips; i++ {
		fresh = append(fresh, makeTrip(fmt.Sprintf("fresh-%d", i)))
	}
	require.NoError(t, trips.CacheTrips(ctx, fresh))

	got, err := trips.CachedTrip(ctx, "trip-offline")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "trip-offline", got.ID)
}

func TestTripRepository_OrphanedTripsExcluded(t *testing.T) {
	db, _ := newTestDB(t)
	seedActivity(t, db, "act-hiking")
	repo := storage.NewTripRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.CacheTrip(ctx, makeTrip("trip-ok")))

	orphan := makeTrip("trip-orphan")
	orphan.ActivityID = "act-deleted"
	require.NoError(t, repo.CacheTrip(ctx, orphan))

	cached, err := repo.CachedTrips(ctx)
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, "trip-ok", cached[0].ID)

	got, err := repo.CachedTrip(ctx, "trip-orphan")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTripRepository_UpdateCheckinCount(t *testing.T) {
	db, _ := newTestDB(t)
	seedActivity(t, db, "act-hiking")
	repo := storage.NewTripRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.CacheTrip(ctx, makeTrip("trip-1")))

	at := time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC)
	require.NoError(t, repo.UpdateCheckinCount(ctx, "trip-1", 3, &at))

	got, err := repo.CachedTrip(ctx, "trip-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.CheckinCount)
	require.NotNil(t, got.LastCheckinAt)
	assert.True(t, got.LastCheckinAt.Equal(at))
}

func TestTripRepository_PruneCompleted(t *testing.T) {
	db, _ := newTestDB(t)
	seedActivity(t, db, "act-hiking")
	trips := storage.NewTripRepository(db)
	actions := storage.NewActionRepository(db)
	ctx := context.Background()

	done := makeTrip("trip-done")
	done.Status = models.TripStatusCompleted
	require.NoError(t, trips.CacheTrip(ctx, done))

	kept := makeTrip("trip-kept")
	kept.Status = models.TripStatusCompleted
	require.NoError(t, trips.CacheTrip(ctx, kept))

	keptID := kept.ID
	require.NoError(t, actions.Queue(ctx, &models.PendingAction{
		ActionType: models.ActionCheckout,
		TripID:     &keptID,
	}))

	pruned, err := trips.PruneCompleted(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	got, err := trips.CachedTrip(ctx, "trip-kept")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestActionRepository_FIFOAcrossReopen(t *testing.T) {
	db, path := newTestDB(t)
	repo := storage.NewActionRepository(db)
	ctx := context.Background()

	tripID := "trip-1"
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Queue(ctx, &models.PendingAction{
			ActionType: models.ActionCheckin,
			TripID:     &tripID,
			Payload:    map[string]string{"idempotency_key": fmt.Sprintf("key-%d", i)},
		}))
	}
	require.NoError(t, db.Close())

	reopened, err := storage.NewDB(path)
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, storage.RunMigrations(reopened))

	actions, err := storage.NewActionRepository(reopened).List(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 3)

	for i, action := range actions {
		assert.Equal(t, fmt.Sprintf("key-%d", i), action.Payload["idempotency_key"])
		if i > 0 {
			assert.Greater(t, action.ID, actions[i-1].ID)
		}
	}
}

func TestActionRepository_RemoveAndCount(t *testing.T) {
	db, _ := newTestDB(t)
	repo := storage.NewActionRepository(db)
	ctx := context.Background()

	first := models.PendingAction{ActionType: models.ActionCheckin}
	second := models.PendingAction{ActionType: models.ActionCheckout}
	require.NoError(t, repo.Queue(ctx, &first))
	require.NoError(t, repo.Queue(ctx, &second))

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, repo.Remove(ctx, first.ID))

	remaining, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, second.ID, remaining[0].ID)
}

func TestActionRepository_HasForTrip(t *testing.T) {
	db, _ := newTestDB(t)
	repo := storage.NewActionRepository(db)
	ctx := context.Background()

	tripID := "trip-1"
	require.NoError(t, repo.Queue(ctx, &models.PendingAction{
		ActionType: models.ActionCheckin,
		TripID:     &tripID,
	}))

	has, err := repo.HasForTrip(ctx, "trip-1")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = repo.HasForTrip(ctx, "trip-other")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestActivityRepository_ReplaceAll(t *testing.T) {
	db, _ := newTestDB(t)
	repo := storage.NewActivityRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, models.Activity{ID: "act-old", Name: "Old"}))

	require.NoError(t, repo.ReplaceAll(ctx, []models.Activity{
		{ID: "act-hiking", Name: "Hiking", Icon: "hiking"},
		{ID: "act-kayak", Name: "Kayaking", Icon: "kayak"},
	}))

	old, err := repo.GetByID(ctx, "act-old")
	require.NoError(t, err)
	assert.Nil(t, old)

	got, err := repo.GetByID(ctx, "act-kayak")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Kayaking", got.Name)
}
