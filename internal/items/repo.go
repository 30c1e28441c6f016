package items

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kilnbook/kilnbook-backend/pkg/db/models"
	"github.com/kilnbook/kilnbook-backend/pkg/pagination"
)

// Repository persists pottery items. Every finder is scoped to an owner.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs an items repository bound to the provided GORM DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx returns a repository bound to tx.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

func orderedPhotos(db *gorm.DB) *gorm.DB {
	return db.Order("uploaded_at ASC, id ASC")
}

func (r *Repository) Create(ctx context.Context, item *models.PotteryItem) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Create(item).Error
}

// FindForOwner loads an item with its photos in upload order.
func (r *Repository) FindForOwner(ctx context.Context, ownerID string, id uuid.UUID) (*models.PotteryItem, error) {
	var item models.PotteryItem
	err := r.db.WithContext(ctx).
		Preload("Photos", orderedPhotos).
		Where("id = ? AND owner_id = ?", id, ownerID).
		First(&item).Error
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Head loads the item row without its photos.
func (r *Repository) Head(ctx context.Context, ownerID string, id uuid.UUID) (*models.PotteryItem, error) {
	var item models.PotteryItem
	err := r.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).First(&item).Error
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// LockForOwner loads an item row and holds a row lock until the surrounding
// transaction ends. Photos are not loaded.
func (r *Repository) LockForOwner(ctx context.Context, ownerID string, id uuid.UUID) (*models.PotteryItem, error) {
	var item models.PotteryItem
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND owner_id = ?", id, ownerID).
		First(&item).Error
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ListForOwner returns up to limit items newest first, starting after cursor.
func (r *Repository) ListForOwner(ctx context.Context, ownerID string, cursor *pagination.Cursor, limit int) ([]models.PotteryItem, error) {
	q := r.db.WithContext(ctx).
		Preload("Photos", orderedPhotos).
		Where("owner_id = ?", ownerID)
	if cursor != nil {
		q = q.Where("((created_at < ?) OR (created_at = ? AND id < ?))", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	var rows []models.PotteryItem
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// UpdateFields writes every mutable column of item, including NULLs.
func (r *Repository) UpdateFields(ctx context.Context, item *models.PotteryItem) error {
	return r.db.WithContext(ctx).
		Model(&models.PotteryItem{}).
		Where("id = ? AND owner_id = ?", item.ID, item.OwnerID).
		Updates(map[string]any{
			"name":           item.Name,
			"clay_type":      item.ClayType,
			"location":       item.Location,
			"glaze":          item.Glaze,
			"cone":           item.Cone,
			"note":           item.Note,
			"current_status": item.CurrentStatus,
			"is_archived":    item.IsArchived,
			"is_broken":      item.IsBroken,
			"measurements":   item.Measurements,
			"updated_at":     item.UpdatedAt,
		}).Error
}

// SetUpdatedAt persists a new updated_at for the item.
func (r *Repository) SetUpdatedAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.PotteryItem{}).
		Where("id = ?", id).
		Update("updated_at", at).Error
}

// CountPhotos returns how many photo records reference the item.
func (r *Repository) CountPhotos(ctx context.Context, itemID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Photo{}).Where("item_id = ?", itemID).Count(&count).Error
	return count, err
}

// Delete removes the item row and reports how many rows matched.
func (r *Repository) Delete(ctx context.Context, ownerID string, id uuid.UUID) (int64, error) {
	res := r.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).Delete(&models.PotteryItem{})
	return res.RowsAffected, res.Error
}
