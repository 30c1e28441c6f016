// Package orphans keeps the ledger of object keys that lost their photo
// record and still need to be removed from the object store.
package orphans

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kilnbook/kilnbook-backend/pkg/db/models"
	"github.com/kilnbook/kilnbook-backend/pkg/enums"
)

const maxErrorLength = 1000

// Repository persists orphan ledger rows.
type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRepository constructs a ledger repository bound to db.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

func (r *Repository) clock() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

// Record upserts a ledger row for path. Recording an already known path
// refreshes its reason and last error without resetting the attempt count.
func (r *Repository) Record(ctx context.Context, path string, reason enums.OrphanReason, cause error) error {
	now := r.clock()
	row := models.OrphanBlob{
		ID:          uuid.New(),
		StoragePath: path,
		Reason:      reason,
		LastError:   errorText(cause),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "storage_path"}},
		DoUpdates: clause.AssignmentColumns([]string{"reason", "last_error", "updated_at"}),
	}).Create(&row).Error
}

// List returns up to limit rows that have been attempted fewer than
// maxAttempts times, oldest first.
func (r *Repository) List(ctx context.Context, limit, maxAttempts int) ([]models.OrphanBlob, error) {
	q := r.db.WithContext(ctx).Order("created_at ASC, id ASC")
	if maxAttempts > 0 {
		q = q.Where("attempts < ?", maxAttempts)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.OrphanBlob
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// MarkFailed increments the attempt counter and stores the failure.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, cause error) error {
	return r.db.WithContext(ctx).
		Model(&models.OrphanBlob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": errorText(cause),
			"updated_at": r.clock(),
		}).Error
}

// Delete removes a reaped row.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.OrphanBlob{}).Error
}

func errorText(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength]
	}
	return &msg
}
