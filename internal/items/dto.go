package items

import (
	"github.com/kilnbook/kilnbook-backend/pkg/db/models"
	"github.com/kilnbook/kilnbook-backend/pkg/types"
)

const (
	maxNameLength  = 200
	maxTextLength  = 200
	maxConeLength  = 32
	maxNoteLength  = 4000
	fieldName      = "name"
	fieldClayType  = "clay_type"
	fieldLocation  = "location"
	fieldGlaze     = "glaze"
	fieldCone      = "cone"
	fieldNote      = "note"
	fieldStatus    = "current_status"
	fieldArchived  = "is_archived"
	fieldBroken    = "is_broken"
	fieldMeasuring = "measurements"
)

// CreateInput carries the fields accepted when cataloguing a new piece.
type CreateInput struct {
	Name          string
	ClayType      *string
	Location      *string
	Glaze         *string
	Cone          *string
	Note          *string
	CurrentStatus string
	IsArchived    bool
	IsBroken      bool
	Measurements  *types.Measurements
}

// UpdateInput distinguishes absent fields from explicit nulls.
type UpdateInput struct {
	Name          types.Optional[string]
	ClayType      types.Optional[string]
	Location      types.Optional[string]
	Glaze         types.Optional[string]
	Cone          types.Optional[string]
	Note          types.Optional[string]
	CurrentStatus types.Optional[string]
	IsArchived    types.Optional[bool]
	IsBroken      types.Optional[bool]
	Measurements  types.Optional[types.Measurements]
}

// ListResult is one page of items, newest first.
type ListResult struct {
	Items      []models.PotteryItem
	NextCursor string
}
