package catalog

import (
	"time"

	"github.com/google/uuid"

	"github.com/kilnbook/kilnbook-backend/pkg/db/models"
	"github.com/kilnbook/kilnbook-backend/pkg/enums"
	"github.com/kilnbook/kilnbook-backend/pkg/types"
)

// PhotoView is the client representation of a photo. The storage path never
// leaves the server; clients read through the signed URL.
type PhotoView struct {
	ID           uuid.UUID `json:"id"`
	ItemID       uuid.UUID `json:"item_id"`
	Stage        string    `json:"stage"`
	ImageNote    *string   `json:"image_note"`
	ContentType  string    `json:"content_type"`
	SizeBytes    int64     `json:"size_bytes"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	IsPrimary    bool      `json:"is_primary"`
	UploadedAt   time.Time `json:"uploaded_at"`
	URL          string    `json:"url"`
	URLExpiresAt time.Time `json:"url_expires_at"`
}

// ItemView is the client representation of a pottery item.
type ItemView struct {
	ID            uuid.UUID           `json:"id"`
	Name          string              `json:"name"`
	ClayType      *string             `json:"clay_type"`
	Location      *string             `json:"location"`
	Glaze         *string             `json:"glaze"`
	Cone          *string             `json:"cone"`
	Note          *string             `json:"note"`
	CurrentStatus enums.ItemStatus    `json:"current_status"`
	IsArchived    bool                `json:"is_archived"`
	IsBroken      bool                `json:"is_broken"`
	Measurements  *types.Measurements `json:"measurements"`
	Photos        []PhotoView         `json:"photos"`
	PrimaryPhoto  *PhotoView          `json:"primary_photo"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// ItemPage is one page of items, newest first.
type ItemPage struct {
	Items      []ItemView `json:"items"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

// SignedURLView is a fresh read reference for one photo.
type SignedURLView struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

func newPhotoView(photo models.Photo) PhotoView {
	return PhotoView{
		ID:          photo.ID,
		ItemID:      photo.ItemID,
		Stage:       photo.Stage,
		ImageNote:   photo.ImageNote,
		ContentType: photo.ContentType,
		SizeBytes:   photo.SizeBytes,
		Width:       photo.Width,
		Height:      photo.Height,
		IsPrimary:   photo.IsPrimary,
		UploadedAt:  photo.UploadedAt.UTC(),
	}
}

func newItemView(item models.PotteryItem) ItemView {
	view := ItemView{
		ID:            item.ID,
		Name:          item.Name,
		ClayType:      item.ClayType,
		Location:      item.Location,
		Glaze:         item.Glaze,
		Cone:          item.Cone,
		Note:          item.Note,
		CurrentStatus: item.CurrentStatus,
		IsArchived:    item.IsArchived,
		IsBroken:      item.IsBroken,
		Photos:        make([]PhotoView, 0, len(item.Photos)),
		CreatedAt:     item.CreatedAt.UTC(),
		UpdatedAt:     item.UpdatedAt.UTC(),
	}
	if !item.Measurements.IsZero() {
		m := item.Measurements.Normalize()
		view.Measurements = &m
	}
	return view
}

// primaryIndex picks the photo shown as the item's cover: the flagged primary,
// else the most recently uploaded photo. It returns -1 for an empty list.
func primaryIndex(photos []models.Photo) int {
	latest := -1
	for i, p := range photos {
		if p.IsPrimary {
			return i
		}
		if latest < 0 || newer(p, photos[latest]) {
			latest = i
		}
	}
	return latest
}

func newer(a, b models.Photo) bool {
	if !a.UploadedAt.Equal(b.UploadedAt) {
		return a.UploadedAt.After(b.UploadedAt)
	}
	return a.ID.String() > b.ID.String()
}
