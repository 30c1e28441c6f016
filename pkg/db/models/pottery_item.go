package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/kilnbook/kilnbook-backend/pkg/enums"
	"github.com/kilnbook/kilnbook-backend/pkg/types"
)

// PotteryItem is one catalogued ceramics piece.
type PotteryItem struct {
	ID            uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	OwnerID       string             `gorm:"column:owner_id;not null;index"`
	Name          string             `gorm:"column:name;not null"`
	ClayType      *string            `gorm:"column:clay_type"`
	Location      *string            `gorm:"column:location"`
	Glaze         *string            `gorm:"column:glaze"`
	Cone          *string            `gorm:"column:cone"`
	Note          *string            `gorm:"column:note"`
	CurrentStatus enums.ItemStatus   `gorm:"column:current_status;not null;default:greenware"`
	IsArchived    bool               `gorm:"column:is_archived;not null;default:false"`
	IsBroken      bool               `gorm:"column:is_broken;not null;default:false"`
	Measurements  types.Measurements `gorm:"column:measurements;type:text"`
	CreatedAt     time.Time          `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt     time.Time          `gorm:"column:updated_at;autoUpdateTime:false"`

	Photos []Photo `gorm:"foreignKey:ItemID;references:ID"`
}

func (PotteryItem) TableName() string { return "pottery_items" }
