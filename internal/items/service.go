package items

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kilnbook/kilnbook-backend/pkg/db/models"
	"github.com/kilnbook/kilnbook-backend/pkg/enums"
	pkgerrors "github.com/kilnbook/kilnbook-backend/pkg/errors"
	"github.com/kilnbook/kilnbook-backend/pkg/logger"
	"github.com/kilnbook/kilnbook-backend/pkg/pagination"
	"github.com/kilnbook/kilnbook-backend/pkg/types"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// PhotoDeleter removes one photo (blob and record) of an item.
type PhotoDeleter interface {
	Delete(ctx context.Context, ownerID string, itemID, photoID uuid.UUID) error
}

// Service exposes the item lifecycle.
type Service interface {
	Create(ctx context.Context, ownerID string, input CreateInput) (*models.PotteryItem, error)
	Get(ctx context.Context, ownerID string, itemID uuid.UUID) (*models.PotteryItem, error)
	List(ctx context.Context, ownerID string, params pagination.Params) (*ListResult, error)
	Update(ctx context.Context, ownerID string, itemID uuid.UUID, input UpdateInput) (*models.PotteryItem, error)
	Delete(ctx context.Context, ownerID string, itemID uuid.UUID) error
}

// Option customises the service.
type Option func(*service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithQueryTimeout bounds every record store round trip.
func WithQueryTimeout(d time.Duration) Option {
	return func(s *service) { s.queryTimeout = d }
}

type service struct {
	tx           txRunner
	repo         *Repository
	photos       PhotoDeleter
	logg         *logger.Logger
	now          func() time.Time
	queryTimeout time.Duration
}

// NewService wires the item lifecycle to its repository and the photo service
// used for cascade deletes.
func NewService(tx txRunner, repo *Repository, photos PhotoDeleter, logg *logger.Logger, opts ...Option) (Service, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if repo == nil {
		return nil, fmt.Errorf("items repository required")
	}
	if photos == nil {
		return nil, fmt.Errorf("photo deleter required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	s := &service{
		tx:     tx,
		repo:   repo,
		photos: photos,
		logg:   logg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *service) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

func requireOwner(ownerID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "owner identity missing")
	}
	return nil
}

func storeError(err error, action string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "item not found")
	}
	return pkgerrors.Propagate(pkgerrors.CodeDependency, err, action)
}

func (s *service) Create(ctx context.Context, ownerID string, input CreateInput) (*models.PotteryItem, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}

	name, err := requiredName(input.Name)
	if err != nil {
		return nil, err
	}
	status := enums.ItemStatusGreenware
	if strings.TrimSpace(input.CurrentStatus) != "" {
		if status, err = parseStatus(input.CurrentStatus); err != nil {
			return nil, err
		}
	}
	if input.IsArchived && input.IsBroken {
		return nil, exclusivityError()
	}

	item := &models.PotteryItem{
		ID:            uuid.New(),
		OwnerID:       ownerID,
		Name:          name,
		CurrentStatus: status,
		IsArchived:    input.IsArchived,
		IsBroken:      input.IsBroken,
	}
	texts := []struct {
		dst   **string
		value *string
		field string
		max   int
	}{
		{&item.ClayType, input.ClayType, fieldClayType, maxTextLength},
		{&item.Location, input.Location, fieldLocation, maxTextLength},
		{&item.Glaze, input.Glaze, fieldGlaze, maxTextLength},
		{&item.Cone, input.Cone, fieldCone, maxConeLength},
		{&item.Note, input.Note, fieldNote, maxNoteLength},
	}
	for _, t := range texts {
		if t.value == nil {
			continue
		}
		if *t.dst, err = optionalText(*t.value, t.field, t.max); err != nil {
			return nil, err
		}
	}
	if input.Measurements != nil {
		if item.Measurements, err = validMeasurements(*input.Measurements); err != nil {
			return nil, err
		}
	}

	now := s.clock()
	item.CreatedAt = now
	item.UpdatedAt = now

	ctx, cancel := s.bounded(ctx)
	defer cancel()
	if err := s.repo.Create(ctx, item); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create item")
	}
	item.Photos = []models.Photo{}
	s.logg.Info(s.logg.WithItemID(ctx, item.ID.String()), "item created")
	return item, nil
}

func (s *service) Get(ctx context.Context, ownerID string, itemID uuid.UUID) (*models.PotteryItem, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	item, err := s.repo.FindForOwner(ctx, ownerID, itemID)
	if err != nil {
		return nil, storeError(err, "load item")
	}
	return item, nil
}

func (s *service) List(ctx context.Context, ownerID string, params pagination.Params) (*ListResult, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()
	rows, err := s.repo.ListForOwner(ctx, ownerID, cursor, pagination.LimitWithBuffer(params.Limit))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list items")
	}
	page, next := pagination.Trim(rows, params.Limit, func(item models.PotteryItem) pagination.Cursor {
		return pagination.Cursor{CreatedAt: item.CreatedAt, ID: item.ID}
	})
	if page == nil {
		page = []models.PotteryItem{}
	}
	return &ListResult{Items: page, NextCursor: next}, nil
}

func (s *service) Update(ctx context.Context, ownerID string, itemID uuid.UUID, input UpdateInput) (*models.PotteryItem, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	changed := false
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		item, err := repo.LockForOwner(ctx, ownerID, itemID)
		if err != nil {
			return storeError(err, "lock item")
		}
		if changed, err = input.apply(item); err != nil {
			return err
		}
		if !changed {
			return nil
		}
		item.UpdatedAt = NextUpdatedAt(item.UpdatedAt, s.now())
		if err := repo.UpdateFields(ctx, item); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update item")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.logg.Info(s.logg.WithItemID(ctx, itemID.String()), "item updated")
	}

	item, err := s.repo.FindForOwner(ctx, ownerID, itemID)
	if err != nil {
		return nil, storeError(err, "reload item")
	}
	return item, nil
}

// Delete removes every photo of the item, non-primary ones first, and then
// the item itself. A failed photo aborts the cascade and leaves the item in
// place so the call can be retried.
func (s *service) Delete(ctx context.Context, ownerID string, itemID uuid.UUID) error {
	if err := requireOwner(ownerID); err != nil {
		return err
	}

	item, err := s.Get(ctx, ownerID, itemID)
	if err != nil {
		return err
	}

	ctx = s.logg.WithItemID(ctx, itemID.String())
	for _, photo := range deletionOrder(item.Photos) {
		if err := s.photos.Delete(ctx, ownerID, itemID, photo.ID); err != nil {
			if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
				continue
			}
			s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
				"photo_id": photo.ID.String(),
				"error":    err.Error(),
			}), "item cascade halted on photo delete")
			return pkgerrors.Propagate(pkgerrors.CodeDependency, err, "delete item photos")
		}
	}

	qctx, cancel := s.bounded(ctx)
	defer cancel()
	err = s.tx.WithTx(qctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if _, err := repo.LockForOwner(qctx, ownerID, itemID); err != nil {
			return storeError(err, "lock item")
		}
		remaining, err := repo.CountPhotos(qctx, itemID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count photos")
		}
		if remaining > 0 {
			return pkgerrors.New(pkgerrors.CodeConflict, "item gained photos while being deleted; retry")
		}
		rows, err := repo.Delete(qctx, ownerID, itemID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete item")
		}
		if rows == 0 {
			return pkgerrors.New(pkgerrors.CodeNotFound, "item not found")
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logg.Info(ctx, "item deleted")
	return nil
}

func deletionOrder(photos []models.Photo) []models.Photo {
	ordered := make([]models.Photo, 0, len(photos))
	var primary []models.Photo
	for _, p := range photos {
		if p.IsPrimary {
			primary = append(primary, p)
			continue
		}
		ordered = append(ordered, p)
	}
	return append(ordered, primary...)
}

func (in UpdateInput) validate() error {
	switch {
	case in.Name.IsNull():
		return nullError(fieldName)
	case in.CurrentStatus.IsNull():
		return nullError(fieldStatus)
	case in.IsArchived.IsNull():
		return nullError(fieldArchived)
	case in.IsBroken.IsNull():
		return nullError(fieldBroken)
	}
	archived, _ := in.IsArchived.Get()
	broken, _ := in.IsBroken.Get()
	if archived && broken {
		return exclusivityError()
	}
	return nil
}

// apply mutates item with the present fields and reports whether any stored
// value changed.
func (in UpdateInput) apply(item *models.PotteryItem) (bool, error) {
	changed := false

	if v, ok := in.Name.Get(); ok {
		name, err := requiredName(v)
		if err != nil {
			return false, err
		}
		if name != item.Name {
			item.Name = name
			changed = true
		}
	}

	texts := []struct {
		dst   **string
		opt   types.Optional[string]
		field string
		max   int
	}{
		{&item.ClayType, in.ClayType, fieldClayType, maxTextLength},
		{&item.Location, in.Location, fieldLocation, maxTextLength},
		{&item.Glaze, in.Glaze, fieldGlaze, maxTextLength},
		{&item.Cone, in.Cone, fieldCone, maxConeLength},
		{&item.Note, in.Note, fieldNote, maxNoteLength},
	}
	for _, t := range texts {
		if !t.opt.Set {
			continue
		}
		var next *string
		if v, ok := t.opt.Get(); ok {
			var err error
			if next, err = optionalText(v, t.field, t.max); err != nil {
				return false, err
			}
		}
		if !sameText(*t.dst, next) {
			*t.dst = next
			changed = true
		}
	}

	if v, ok := in.CurrentStatus.Get(); ok {
		status, err := parseStatus(v)
		if err != nil {
			return false, err
		}
		if status != item.CurrentStatus {
			item.CurrentStatus = status
			changed = true
		}
	}

	archived, broken := item.IsArchived, item.IsBroken
	if v, ok := in.IsArchived.Get(); ok {
		archived = v
		if v {
			broken = false
		}
	}
	if v, ok := in.IsBroken.Get(); ok {
		broken = v
		if v {
			archived = false
		}
	}
	if archived != item.IsArchived || broken != item.IsBroken {
		item.IsArchived, item.IsBroken = archived, broken
		changed = true
	}

	if in.Measurements.Set {
		next := types.Measurements{}
		if v, ok := in.Measurements.Get(); ok {
			var err error
			if next, err = validMeasurements(v); err != nil {
				return false, err
			}
		}
		if !next.Equal(item.Measurements) {
			item.Measurements = next
			changed = true
		}
	}

	return changed, nil
}

func requiredName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "name is required").
			WithDetails(map[string]any{"field": fieldName})
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return "", tooLongError(fieldName, maxNameLength)
	}
	return name, nil
}

func optionalText(raw, field string, max int) (*string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}
	if utf8.RuneCountInString(value) > max {
		return nil, tooLongError(field, max)
	}
	return &value, nil
}

func sameText(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func parseStatus(raw string) (enums.ItemStatus, error) {
	status, err := enums.ParseItemStatus(raw)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "current_status must be one of greenware, bisque, final").
			WithDetails(map[string]any{"field": fieldStatus})
	}
	return status, nil
}

func validMeasurements(m types.Measurements) (types.Measurements, error) {
	if path, err := m.Validate(); err != nil {
		return types.Measurements{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "measurements must not be negative").
			WithDetails(map[string]any{"field": fieldMeasuring + "." + path})
	}
	return m.Normalize(), nil
}

func nullError(field string) error {
	return pkgerrors.New(pkgerrors.CodeValidation, field+" cannot be null").
		WithDetails(map[string]any{"field": field})
}

func tooLongError(field string, max int) error {
	return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("%s must be at most %d characters", field, max)).
		WithDetails(map[string]any{"field": field})
}

func exclusivityError() error {
	return pkgerrors.New(pkgerrors.CodeValidation, "an item cannot be both archived and broken").
		WithDetails(map[string]any{"fields": []string{fieldArchived, fieldBroken}})
}
