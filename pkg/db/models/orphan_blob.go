package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/kilnbook/kilnbook-backend/pkg/enums"
)

// OrphanBlob is a ledger row for an object key that has no photo record and
// still needs to be removed from the object store.
type OrphanBlob struct {
	ID          uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	StoragePath string             `gorm:"column:storage_path;not null;unique"`
	Reason      enums.OrphanReason `gorm:"column:reason;not null"`
	Attempts    int                `gorm:"column:attempts;not null;default:0"`
	LastError   *string            `gorm:"column:last_error"`
	CreatedAt   time.Time          `gorm:"column:created_at"`
	UpdatedAt   time.Time          `gorm:"column:updated_at"`
}

func (OrphanBlob) TableName() string { return "orphan_blobs" }
