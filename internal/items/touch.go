package items

import (
	"context"
	"time"

	"github.com/kilnbook/kilnbook-backend/pkg/db/models"
)

// NextUpdatedAt returns the timestamp for a mutation observed at now, keeping
// updated_at strictly increasing even when the clock stalls or steps back.
func NextUpdatedAt(prev, now time.Time) time.Time {
	next := now.UTC().Truncate(time.Microsecond)
	floor := prev.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	if next.Before(floor) {
		return floor
	}
	return next
}

// Touch bumps the item's updated_at inside the caller's transaction. The item
// must have been loaded with LockForOwner on the same repository.
func Touch(ctx context.Context, repo *Repository, item *models.PotteryItem, now time.Time) error {
	next := NextUpdatedAt(item.UpdatedAt, now)
	if err := repo.SetUpdatedAt(ctx, item.ID, next); err != nil {
		return err
	}
	item.UpdatedAt = next
	return nil
}
