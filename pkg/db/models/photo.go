package models

import (
	"time"

	"github.com/google/uuid"
)

// Photo documents a pottery item at one stage. StoragePath is the object key
// and never leaves the server.
type Photo struct {
	ID          uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	ItemID      uuid.UUID `gorm:"column:item_id;type:uuid;not null"`
	OwnerID     string    `gorm:"column:owner_id;not null"`
	Stage       string    `gorm:"column:stage;not null"`
	StoragePath string    `gorm:"column:storage_path;not null;unique"`
	ContentType string    `gorm:"column:content_type;not null"`
	SizeBytes   int64     `gorm:"column:size_bytes;not null"`
	Width       int       `gorm:"column:width;not null;default:0"`
	Height      int       `gorm:"column:height;not null;default:0"`
	ImageNote   *string   `gorm:"column:image_note"`
	IsPrimary   bool      `gorm:"column:is_primary;not null;default:false"`
	UploadedAt  time.Time `gorm:"column:uploaded_at;not null"`
}

func (Photo) TableName() string { return "photos" }
