package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safetrail/client/internal/storage/models"
)

// ActivityRepository provides data access for cached activity metadata.
type ActivityRepository struct {
	BaseRepository
}

// NewActivityRepository creates a new activity repository.
func NewActivityRepository(db *DB) *ActivityRepository {
	return &ActivityRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// Upsert inserts or refreshes a single cached activity.
func (r *ActivityRepository) Upsert(ctx context.Context, activity models.Activity) error {
	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO activities (id, name, icon, cached_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, icon = excluded.icon, cached_at = excluded.cached_at
	`, activity.ID, activity.Name, activity.Icon, r.Now())
	if err != nil {
		return fmt.Errorf("caching activity %s: %w", activity.ID, err)
	}
	return nil
}

// ReplaceAll replaces the cached activity set transactionally.
func (r *ActivityRepository) ReplaceAll(ctx context.Context, activities []models.Activity) error {
	now := r.Now()

	return r.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM activities`); err != nil {
			return fmt.Errorf("clearing activities: %w", err)
		}

		for _, activity := range activities {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO activities (id, name, icon, cached_at) VALUES (?, ?, ?, ?)
			`, activity.ID, activity.Name, activity.Icon, now)
			if err != nil {
				return fmt.Errorf("caching activity %s: %w", activity.ID, err)
			}
		}

		return nil
	})
}

// GetByID returns one cached activity, or nil if it is not cached.
func (r *ActivityRepository) GetByID(ctx context.Context, id string) (*models.Activity, error) {
	activity := &models.Activity{}

	err := r.DB().QueryRowContext(ctx, `
		SELECT id, name, icon, cached_at FROM activities WHERE id = ?
	`, id).Scan(&activity.ID, &activity.Name, &activity.Icon, &activity.CachedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying activity: %w", err)
	}

	return activity, nil
}
