// Package catalog is the access façade over the item and photo lifecycles.
// Every call is pinned to the verified subject; callers never supply an
// owner id.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kilnbook/kilnbook-backend/internal/identity"
	"github.com/kilnbook/kilnbook-backend/internal/items"
	"github.com/kilnbook/kilnbook-backend/internal/photos"
	"github.com/kilnbook/kilnbook-backend/pkg/db/models"
	pkgerrors "github.com/kilnbook/kilnbook-backend/pkg/errors"
	"github.com/kilnbook/kilnbook-backend/pkg/logger"
	"github.com/kilnbook/kilnbook-backend/pkg/pagination"
)

// Service is the surface exposed to transports.
type Service interface {
	CreateItem(ctx context.Context, subject identity.Subject, input items.CreateInput) (*ItemView, error)
	UpdateItem(ctx context.Context, subject identity.Subject, itemID uuid.UUID, input items.UpdateInput) (*ItemView, error)
	DeleteItem(ctx context.Context, subject identity.Subject, itemID uuid.UUID) error
	ListItems(ctx context.Context, subject identity.Subject, params pagination.Params) (*ItemPage, error)
	GetItem(ctx context.Context, subject identity.Subject, itemID uuid.UUID) (*ItemView, error)
	UploadPhoto(ctx context.Context, subject identity.Subject, itemID uuid.UUID, input photos.UploadInput) (*PhotoView, error)
	UpdatePhoto(ctx context.Context, subject identity.Subject, itemID, photoID uuid.UUID, input photos.UpdateInput) (*PhotoView, error)
	GetPhoto(ctx context.Context, subject identity.Subject, itemID, photoID uuid.UUID) (*PhotoView, error)
	DeletePhoto(ctx context.Context, subject identity.Subject, itemID, photoID uuid.UUID) error
	SetPrimaryPhoto(ctx context.Context, subject identity.Subject, itemID, photoID uuid.UUID) (*PhotoView, error)
	PhotoURL(ctx context.Context, subject identity.Subject, itemID, photoID uuid.UUID) (*SignedURLView, error)
}

type service struct {
	items  items.Service
	photos photos.Service
	ttl    time.Duration
	logg   *logger.Logger
}

// NewService builds the façade. ttl is the lifetime of every signed URL it
// hands out.
func NewService(itemsSvc items.Service, photosSvc photos.Service, ttl time.Duration, logg *logger.Logger) (Service, error) {
	if itemsSvc == nil {
		return nil, fmt.Errorf("items service required")
	}
	if photosSvc == nil {
		return nil, fmt.Errorf("photos service required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("signed url ttl must be positive")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &service{items: itemsSvc, photos: photosSvc, ttl: ttl, logg: logg}, nil
}

func owner(subject identity.Subject) (string, error) {
	if subject.IsZero() {
		return "", pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required")
	}
	return subject.ID(), nil
}

func (s *service) CreateItem(ctx context.Context, subject identity.Subject, input items.CreateInput) (*ItemView, error) {
	ownerID, err := owner(subject)
	if err != nil {
		return nil, err
	}
	item, err := s.items.Create(ctx, ownerID, input)
	if err != nil {
		return nil, err
	}
	return s.render(ctx, *item)
}

func (s *service) UpdateItem(ctx context.Context, subject identity.Subject, itemID uuid.UUID, input items.UpdateInput) (*ItemView, error) {
	ownerID, err := owner(subject)
	if err != nil {
		return nil, err
	}
	item, err := s.items.Update(ctx, ownerID, itemID, input)
	if err != nil {
		return nil, err
	}
	return s.render(ctx, *item)
}

func (s *service) DeleteItem(ctx context.Context, subject identity.Subject, itemID uuid.UUID) error {
	ownerID, err := owner(subject)
	if err != nil {
		return err
	}
	return s.items.Delete(ctx, ownerID, itemID)
}

func (s *service) ListItems(ctx context.Context, subject identity.Subject, params pagination.Params) (*ItemPage, error) {
	ownerID, err := owner(subject)
	if err != nil {
		return nil, err
	}
	result, err := s.items.List(ctx, ownerID, params)
	if err != nil {
		return nil, err
	}
	page := &ItemPage{Items: make([]ItemView, 0, len(result.Items)), NextCursor: result.NextCursor}
	for _, item := range result.Items {
		view, err := s.render(ctx, item)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, *view)
	}
	return page, nil
}

func (s *service) GetItem(ctx context.Context, subject identity.Subject, itemID uuid.UUID) (*ItemView, error) {
	ownerID, err := owner(subject)
	if err != nil {
		return nil, err
	}
	item, err := s.items.Get(ctx, ownerID, itemID)
	if err != nil {
		return nil, err
	}
	return s.render(ctx, *item)
}

func (s *service) UploadPhoto(ctx context.Context, subject identity.Subject, itemID uuid.UUID, input photos.UploadInput) (*PhotoView, error) {
	ownerID, err := owner(subject)
	if err != nil {
		return nil, err
	}
	photo, err := s.photos.Upload(ctx, ownerID, itemID, input)
	if err != nil {
		return nil, err
	}
	return s.renderPhoto(ctx, *photo)
}

func (s *service) UpdatePhoto(ctx context.Context, subject identity.Subject, itemID, photoID uuid.UUID, input photos.UpdateInput) (*PhotoView, error) {
	ownerID, err := owner(subject)
	if err != nil {
		return nil, err
	}
	photo, err := s.photos.Update(ctx, ownerID, itemID, photoID, input)
	if err != nil {
		return nil, err
	}
	return s.renderPhoto(ctx, *photo)
}

// GetPhoto renders one photo with a freshly signed URL.
func (s *service) GetPhoto(ctx context.Context, subject identity.Subject, itemID, photoID uuid.UUID) (*PhotoView, error) {
	ownerID, err := owner(subject)
	if err != nil {
		return nil, err
	}
	photo, err := s.photos.Get(ctx, ownerID, itemID, photoID)
	if err != nil {
		return nil, err
	}
	return s.renderPhoto(ctx, *photo)
}

func (s *service) DeletePhoto(ctx context.Context, subject identity.Subject, itemID, photoID uuid.UUID) error {
	ownerID, err := owner(subject)
	if err != nil {
		return err
	}
	return s.photos.Delete(ctx, ownerID, itemID, photoID)
}

func (s *service) SetPrimaryPhoto(ctx context.Context, subject identity.Subject, itemID, photoID uuid.UUID) (*PhotoView, error) {
	ownerID, err := owner(subject)
	if err != nil {
		return nil, err
	}
	photo, err := s.photos.SetPrimary(ctx, ownerID, itemID, photoID)
	if err != nil {
		return nil, err
	}
	return s.renderPhoto(ctx, *photo)
}

func (s *service) PhotoURL(ctx context.Context, subject identity.Subject, itemID, photoID uuid.UUID) (*SignedURLView, error) {
	ownerID, err := owner(subject)
	if err != nil {
		return nil, err
	}
	signed, err := s.photos.SignedReadURL(ctx, ownerID, itemID, photoID, s.ttl)
	if err != nil {
		return nil, err
	}
	return &SignedURLView{URL: signed.URL, ExpiresAt: signed.ExpiresAt}, nil
}

// render signs every photo of item at call time and resolves the cover photo.
func (s *service) render(ctx context.Context, item models.PotteryItem) (*ItemView, error) {
	view := newItemView(item)
	for _, photo := range item.Photos {
		pv, err := s.renderPhoto(ctx, photo)
		if err != nil {
			return nil, err
		}
		view.Photos = append(view.Photos, *pv)
	}
	if idx := primaryIndex(item.Photos); idx >= 0 {
		primary := view.Photos[idx]
		view.PrimaryPhoto = &primary
	}
	return &view, nil
}

func (s *service) renderPhoto(ctx context.Context, photo models.Photo) (*PhotoView, error) {
	view := newPhotoView(photo)
	signed, err := s.photos.SignPhoto(ctx, photo, s.ttl)
	if err != nil {
		return nil, err
	}
	view.URL = signed.URL
	view.URLExpiresAt = signed.ExpiresAt
	return &view, nil
}
