package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/safetrail/client/internal/storage/models"
)

// MaxCachedTrips bounds the local trip cache. Older entries are evicted
// oldest-first, except entries still referenced by a pending offline action.
const MaxCachedTrips = 5

// TripRepository provides data access for locally cached trips.
type TripRepository struct {
	BaseRepository
}

// NewTripRepository creates a new trip repository.
func NewTripRepository(db *DB) *TripRepository {
	return &TripRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

const tripColumns = `t.id, t.title, t.activity_id, t.started_at, t.eta, t.grace_minutes, t.location,
	t.checkin_token, t.checkout_token, t.status, t.last_checkin_at, t.checkin_count, t.cached_at`

// CacheTrips replaces the bounded cache with the given trips in one
// transaction. Trips referenced by pending actions survive the replacement
// even when they are not in the new list.
func (r *TripRepository) CacheTrips(ctx context.Context, trips []models.Trip) error {
	now := r.Now()

	return r.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM cached_trips
			WHERE id NOT IN (SELECT trip_id FROM pending_actions WHERE trip_id IS NOT NULL)
		`); err != nil {
			return fmt.Errorf("clearing trip cache: %w", err)
		}

		// Later entries get a later cached_at so "most recently cached"
		// ordering is deterministic within one call.
		for i, trip := range trips {
			if err := upsertTrip(ctx, tx, trip, now.Add(time.Duration(i)*time.Microsecond)); err != nil {
				return err
			}
		}

		return enforceCacheBound(ctx, tx)
	})
}

// CacheTrip inserts or updates a single cached trip, evicting the oldest
// unreferenced entry if the cache is over its bound.
func (r *TripRepository) CacheTrip(ctx context.Context, trip models.Trip) error {
	now := r.Now()

	return r.Transaction(func(tx *sql.Tx) error {
		if err := upsertTrip(ctx, tx, trip, now); err != nil {
			return err
		}
		return enforceCacheBound(ctx, tx)
	})
}

func upsertTrip(ctx context.Context, tx *sql.Tx, trip models.Trip, cachedAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cached_trips (
			id, title, activity_id, started_at, eta, grace_minutes, location,
			checkin_token, checkout_token, status, last_checkin_at, checkin_count, cached_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			activity_id = excluded.activity_id,
			started_at = excluded.started_at,
			eta = excluded.eta,
			grace_minutes = excluded.grace_minutes,
			location = excluded.location,
			checkin_token = excluded.checkin_token,
			checkout_token = excluded.checkout_token,
			status = excluded.status,
			last_checkin_at = excluded.last_checkin_at,
			checkin_count = excluded.checkin_count,
			cached_at = excluded.cached_at
	`,
		trip.ID, trip.Title, trip.ActivityID, trip.StartedAt, trip.ETA,
		trip.GraceMinutes, trip.Location, trip.CheckinToken, trip.CheckoutToken,
		trip.Status, trip.LastCheckinAt, trip.CheckinCount, cachedAt,
	)
	if err != nil {
		return fmt.Errorf("caching trip %s: %w", trip.ID, err)
	}
	return nil
}

func enforceCacheBound(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM cached_trips
		WHERE id NOT IN (SELECT id FROM cached_trips ORDER BY cached_at DESC LIMIT ?)
		  AND id NOT IN (SELECT trip_id FROM pending_actions WHERE trip_id IS NOT NULL)
	`, MaxCachedTrips)
	if err != nil {
		return fmt.Errorf("evicting cached trips: %w", err)
	}
	return nil
}

// CachedTrips returns the cached trips, most recently cached first. Trips
// whose activity metadata is missing are orphaned and excluded.
func (r *TripRepository) CachedTrips(ctx context.Context) ([]models.CachedTrip, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+tripColumns+`
		FROM cached_trips t
		JOIN activities a ON a.id = t.activity_id
		ORDER BY t.cached_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying cached trips: %w", err)
	}
	defer rows.Close()

	var trips []models.CachedTrip
	for rows.Next() {
		trip, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		trips = append(trips, trip)
	}

	return trips, rows.Err()
}

// CachedTrip returns one cached trip by id, or nil if it is absent or
// orphaned.
func (r *TripRepository) CachedTrip(ctx context.Context, id string) (*models.CachedTrip, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+tripColumns+`
		FROM cached_trips t
		JOIN activities a ON a.id = t.activity_id
		WHERE t.id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying cached trip: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	trip, err := scanTrip(rows)
	if err != nil {
		return nil, err
	}
	return &trip, nil
}

// UpdateCheckinCount persists an optimistic or rolled-back check-in count
// for a cached trip.
func (r *TripRepository) UpdateCheckinCount(ctx context.Context, id string, count int, lastCheckinAt *time.Time) error {
	_, err := r.DB().ExecContext(ctx, `
		UPDATE cached_trips SET checkin_count = ?, last_checkin_at = ? WHERE id = ?
	`, count, lastCheckinAt, id)
	if err != nil {
		return fmt.Errorf("updating check-in count: %w", err)
	}
	return nil
}

// UpdateStatus persists a trip status transition.
func (r *TripRepository) UpdateStatus(ctx context.Context, id, status string) error {
	_, err := r.DB().ExecContext(ctx, `UPDATE cached_trips SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("updating trip status: %w", err)
	}
	return nil
}

// Delete removes a cached trip.
func (r *TripRepository) Delete(ctx context.Context, id string) error {
	_, err := r.DB().ExecContext(ctx, `DELETE FROM cached_trips WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting cached trip: %w", err)
	}
	return nil
}

// PruneCompleted removes completed trips cached before the cutoff, keeping
// anything a pending action still references.
func (r *TripRepository) PruneCompleted(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB().ExecContext(ctx, `
		DELETE FROM cached_trips
		WHERE status = ? AND cached_at < ?
		  AND id NOT IN (SELECT trip_id FROM pending_actions WHERE trip_id IS NOT NULL)
	`, models.TripStatusCompleted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning cached trips: %w", err)
	}
	return res.RowsAffected()
}

func scanTrip(rows *sql.Rows) (models.CachedTrip, error) {
	var trip models.CachedTrip
	err := rows.Scan(
		&trip.ID, &trip.Title, &trip.ActivityID, &trip.StartedAt, &trip.ETA,
		&trip.GraceMinutes, &trip.Location, &trip.CheckinToken, &trip.CheckoutToken,
		&trip.Status, &trip.LastCheckinAt, &trip.CheckinCount, &trip.CachedAt,
	)
	if err != nil {
		return models.CachedTrip{}, fmt.Errorf("scanning cached trip: %w", err)
	}
	return trip, nil
}
