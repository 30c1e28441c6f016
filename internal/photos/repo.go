package photos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kilnbook/kilnbook-backend/pkg/db/models"
)

// PrimaryIndex is the partial unique index allowing one primary photo per item.
const PrimaryIndex = "idx_photos_one_primary_per_item"

// Repository persists photo records.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs a photo repository bound to db.
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

// DB exposes the bound handle so callers can open savepoints on it.
func (r *Repository) DB() *gorm.DB {
	return r.db
}

func (r *Repository) Create(ctx context.Context, photo *models.Photo) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Create(photo).Error
}

// FindForItem loads a photo scoped to its owner and item.
func (r *Repository) FindForItem(ctx context.Context, ownerID string, itemID, photoID uuid.UUID) (*models.Photo, error) {
	var photo models.Photo
	err := r.db.WithContext(ctx).
		Where("id = ? AND item_id = ? AND owner_id = ?", photoID, itemID, ownerID).
		First(&photo).Error
	if err != nil {
		return nil, err
	}
	return &photo, nil
}

// FindByStoragePath loads the photo that references path, if any.
func (r *Repository) FindByStoragePath(ctx context.Context, path string) (*models.Photo, error) {
	var photo models.Photo
	if err := r.db.WithContext(ctx).Where("storage_path = ?", path).First(&photo).Error; err != nil {
		return nil, err
	}
	return &photo, nil
}

// ReferencedPaths returns the subset of paths still held by a photo record.
func (r *Repository) ReferencedPaths(ctx context.Context, paths []string) (map[string]bool, error) {
	out := make(map[string]bool, len(paths))
	if len(paths) == 0 {
		return out, nil
	}
	var found []string
	err := r.db.WithContext(ctx).
		Model(&models.Photo{}).
		Where("storage_path IN ?", paths).
		Pluck("storage_path", &found).Error
	if err != nil {
		return nil, err
	}
	for _, p := range found {
		out[p] = true
	}
	return out, nil
}

func (r *Repository) CountPrimaries(ctx context.Context, itemID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Photo{}).
		Where("item_id = ? AND is_primary = ?", itemID, true).
		Count(&count).Error
	return count, err
}

// ClearPrimary unsets the primary flag on every photo of the item.
func (r *Repository) ClearPrimary(ctx context.Context, itemID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.Photo{}).
		Where("item_id = ? AND is_primary = ?", itemID, true).
		Update("is_primary", false).Error
}

func (r *Repository) MarkPrimary(ctx context.Context, photoID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.Photo{}).
		Where("id = ?", photoID).
		Update("is_primary", true).Error
}

// UpdateDetails writes the editable columns, including NULLs.
func (r *Repository) UpdateDetails(ctx context.Context, photo *models.Photo) error {
	return r.db.WithContext(ctx).
		Model(&models.Photo{}).
		Where("id = ?", photo.ID).
		Updates(map[string]any{
			"stage":      photo.Stage,
			"image_note": photo.ImageNote,
		}).Error
}

// MostRecent returns the latest uploaded photo of the item.
func (r *Repository) MostRecent(ctx context.Context, itemID uuid.UUID) (*models.Photo, error) {
	var photo models.Photo
	err := r.db.WithContext(ctx).
		Where("item_id = ?", itemID).
		Order("uploaded_at DESC, id DESC").
		First(&photo).Error
	if err != nil {
		return nil, err
	}
	return &photo, nil
}

// Delete removes the record and reports how many rows matched.
func (r *Repository) Delete(ctx context.Context, photoID uuid.UUID) (int64, error) {
	res := r.db.WithContext(ctx).Where("id = ?", photoID).Delete(&models.Photo{})
	return res.RowsAffected, res.Error
}
