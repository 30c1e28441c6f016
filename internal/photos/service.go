// Package photos owns the lifecycle of photos attached to pottery items:
// blob placement, the single-primary rule and signed read access.
package photos

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/kilnbook/kilnbook-backend/internal/items"
	"github.com/kilnbook/kilnbook-backend/pkg/config"
	"github.com/kilnbook/kilnbook-backend/pkg/db"
	"github.com/kilnbook/kilnbook-backend/pkg/db/models"
	"github.com/kilnbook/kilnbook-backend/pkg/enums"
	pkgerrors "github.com/kilnbook/kilnbook-backend/pkg/errors"
	"github.com/kilnbook/kilnbook-backend/pkg/logger"
	"github.com/kilnbook/kilnbook-backend/pkg/storage"
	"github.com/kilnbook/kilnbook-backend/pkg/types"
)

const (
	maxStageLength    = 64
	maxNoteLength     = 4000
	compensateTimeout = 30 * time.Second
	primarySavepoint  = "photo_insert"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type orphanRecorder interface {
	Record(ctx context.Context, path string, reason enums.OrphanReason, cause error) error
}

// UploadInput is one photo payload. A nil Stage defaults to the item's
// current status.
type UploadInput struct {
	Stage       *string
	Note        *string
	ContentType string
	Data        []byte
}

// UpdateInput distinguishes absent fields from explicit nulls.
type UpdateInput struct {
	Stage types.Optional[string]
	Note  types.Optional[string]
}

// SignedURL is a time-limited read reference to a photo blob.
type SignedURL struct {
	URL       string
	ExpiresAt time.Time
}

// Service exposes the photo lifecycle.
type Service interface {
	Upload(ctx context.Context, ownerID string, itemID uuid.UUID, input UploadInput) (*models.Photo, error)
	Update(ctx context.Context, ownerID string, itemID, photoID uuid.UUID, input UpdateInput) (*models.Photo, error)
	SetPrimary(ctx context.Context, ownerID string, itemID, photoID uuid.UUID) (*models.Photo, error)
	Delete(ctx context.Context, ownerID string, itemID, photoID uuid.UUID) error
	Get(ctx context.Context, ownerID string, itemID, photoID uuid.UUID) (*models.Photo, error)
	SignedReadURL(ctx context.Context, ownerID string, itemID, photoID uuid.UUID, ttl time.Duration) (*SignedURL, error)
	SignPhoto(ctx context.Context, photo models.Photo, ttl time.Duration) (*SignedURL, error)
	ForgetMissingBlob(ctx context.Context, storagePath string) error
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

type service struct {
	tx        txRunner
	items     *items.Repository
	repo      *Repository
	store     storage.ObjectStore
	orphans   orphanRecorder
	logg      *logger.Logger
	maxBytes  int64
	allowed   []string
	signedTTL time.Duration
	now       func() time.Time
}

// NewService wires the photo lifecycle to the record store, the object store
// and the orphan ledger used when an upload cannot be rolled back.
func NewService(tx txRunner, itemsRepo *items.Repository, repo *Repository, store storage.ObjectStore, orphans orphanRecorder, cfg config.PhotosConfig, logg *logger.Logger, opts ...Option) (Service, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if itemsRepo == nil {
		return nil, fmt.Errorf("items repository required")
	}
	if repo == nil {
		return nil, fmt.Errorf("photos repository required")
	}
	if store == nil {
		return nil, fmt.Errorf("object store required")
	}
	if orphans == nil {
		return nil, fmt.Errorf("orphan ledger required")
	}
	if cfg.MaxUploadBytes() <= 0 {
		return nil, fmt.Errorf("max upload size must be positive")
	}
	if len(cfg.AllowedContentTypes) == 0 {
		return nil, fmt.Errorf("allowed content types required")
	}
	if cfg.SignedURLTTL <= 0 {
		return nil, fmt.Errorf("signed url ttl must be positive")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	s := &service{
		tx:        tx,
		items:     itemsRepo,
		repo:      repo,
		store:     store,
		orphans:   orphans,
		logg:      logg,
		maxBytes:  cfg.MaxUploadBytes(),
		allowed:   cfg.AllowedContentTypes,
		signedTTL: cfg.SignedURLTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// StorageKey builds the object key for a photo.
func StorageKey(ownerID string, itemID, photoID uuid.UUID, ext string) string {
	return fmt.Sprintf("items/%s/%s/%s%s", url.PathEscape(ownerID), itemID, photoID, ext)
}

func (s *service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func requireOwner(ownerID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "owner identity missing")
	}
	return nil
}

func itemError(err error, action string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "item not found")
	}
	return pkgerrors.Propagate(pkgerrors.CodeDependency, err, action)
}

func photoError(err error, action string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "photo not found")
	}
	return pkgerrors.Propagate(pkgerrors.CodeDependency, err, action)
}

func (s *service) Upload(ctx context.Context, ownerID string, itemID uuid.UUID, input UploadInput) (*models.Photo, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	content, err := inspect(input.Data, input.ContentType, s.maxBytes, s.allowed)
	if err != nil {
		return nil, err
	}
	note, err := optionalNote(input.Note)
	if err != nil {
		return nil, err
	}
	var stage string
	if input.Stage != nil {
		if stage, err = validStage(*input.Stage); err != nil {
			return nil, err
		}
	}

	item, err := s.items.Head(ctx, ownerID, itemID)
	if err != nil {
		return nil, itemError(err, "load item")
	}
	if input.Stage == nil {
		stage = item.CurrentStatus.String()
	}

	photoID := uuid.New()
	key := StorageKey(ownerID, itemID, photoID, content.extension)
	ctx = s.logg.WithPhotoID(s.logg.WithItemID(ctx, itemID.String()), photoID.String())

	if err := s.store.Write(ctx, key, input.Data, content.contentType); err != nil {
		// a timed-out or retried write may still have committed
		if !storage.IsPermanent(err) {
			s.compensate(ctx, key, enums.OrphanReasonUploadUnconfirmed, err)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store photo blob")
	}

	photo := &models.Photo{
		ID:          photoID,
		ItemID:      itemID,
		OwnerID:     ownerID,
		Stage:       stage,
		StoragePath: key,
		ContentType: content.contentType,
		SizeBytes:   int64(len(input.Data)),
		Width:       content.width,
		Height:      content.height,
		ImageNote:   note,
		UploadedAt:  s.clock(),
	}
	txErr := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		itemsRepo := s.items.WithTx(tx)
		locked, err := itemsRepo.LockForOwner(ctx, ownerID, itemID)
		if err != nil {
			return itemError(err, "lock item")
		}
		if err := s.insertPhoto(ctx, s.repo.WithTx(tx), photo); err != nil {
			return err
		}
		if err := items.Touch(ctx, itemsRepo, locked, s.now()); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "touch item")
		}
		return nil
	})
	if txErr != nil {
		s.compensate(ctx, key, enums.OrphanReasonUploadRollback, txErr)
		return nil, pkgerrors.Propagate(pkgerrors.CodeDependency, txErr, "record photo")
	}

	s.logg.Info(s.logg.WithField(ctx, "is_primary", photo.IsPrimary), "photo uploaded")
	return photo, nil
}

// insertPhoto makes the first photo of an item primary. When a concurrent
// upload claimed primary first the unique index rejects the insert and the
// photo is stored as non-primary instead.
func (s *service) insertPhoto(ctx context.Context, repo *Repository, photo *models.Photo) error {
	primaries, err := repo.CountPrimaries(ctx, photo.ItemID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count primary photos")
	}
	photo.IsPrimary = primaries == 0
	if !photo.IsPrimary {
		if err := repo.Create(ctx, photo); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert photo")
		}
		return nil
	}

	tx := repo.DB()
	if err := tx.SavePoint(primarySavepoint).Error; err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "open savepoint")
	}
	err = repo.Create(ctx, photo)
	if err == nil {
		return nil
	}
	if !db.IsUniqueViolation(err, PrimaryIndex) {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert photo")
	}
	if rbErr := tx.RollbackTo(primarySavepoint).Error; rbErr != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, multierr.Append(err, rbErr), "rollback savepoint")
	}
	s.logg.Debug(ctx, "primary photo claimed concurrently; storing as secondary")
	photo.IsPrimary = false
	if err := repo.Create(ctx, photo); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert photo")
	}
	return nil
}

// compensate removes a blob whose record never committed. It runs detached
// from the request so a canceled client still gets its blob cleaned up; when
// the delete fails the key goes to the orphan ledger under reason, or under
// upload_canceled when the request itself was canceled.
func (s *service) compensate(ctx context.Context, key string, reason enums.OrphanReason, cause error) {
	if ctx.Err() != nil {
		reason = enums.OrphanReasonUploadCanceled
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()

	delErr := s.store.Delete(dctx, key)
	if delErr == nil || errors.Is(delErr, storage.ErrNotFound) {
		s.logg.Warn(s.logg.WithFields(dctx, map[string]any{
			"storage_path": key,
			"error":        cause.Error(),
		}), "photo upload failed; blob removed")
		return
	}

	if recErr := s.orphans.Record(dctx, key, reason, delErr); recErr != nil {
		s.logg.Error(s.logg.WithField(dctx, "storage_path", key), "orphan blob could not be recorded",
			multierr.Combine(cause, delErr, recErr))
		return
	}
	s.logg.Warn(s.logg.WithFields(dctx, map[string]any{
		"storage_path": key,
		"reason":       reason.String(),
		"error":        multierr.Combine(cause, delErr).Error(),
	}), "photo blob left for reaper")
}

func (s *service) Update(ctx context.Context, ownerID string, itemID, photoID uuid.UUID, input UpdateInput) (*models.Photo, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	if input.Stage.IsNull() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stage cannot be null").
			WithDetails(map[string]any{"field": "stage"})
	}
	var stage *string
	if v, ok := input.Stage.Get(); ok {
		valid, err := validStage(v)
		if err != nil {
			return nil, err
		}
		stage = &valid
	}
	var note *string
	if v, ok := input.Note.Get(); ok {
		var err error
		if note, err = optionalNote(&v); err != nil {
			return nil, err
		}
	}

	var out *models.Photo
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		itemsRepo, repo := s.items.WithTx(tx), s.repo.WithTx(tx)
		item, err := itemsRepo.LockForOwner(ctx, ownerID, itemID)
		if err != nil {
			return itemError(err, "lock item")
		}
		photo, err := repo.FindForItem(ctx, ownerID, itemID, photoID)
		if err != nil {
			return photoError(err, "load photo")
		}
		out = photo

		changed := false
		if stage != nil && *stage != photo.Stage {
			photo.Stage = *stage
			changed = true
		}
		if input.Note.Set && !sameText(photo.ImageNote, note) {
			photo.ImageNote = note
			changed = true
		}
		if !changed {
			return nil
		}
		if err := repo.UpdateDetails(ctx, photo); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update photo")
		}
		if err := items.Touch(ctx, itemsRepo, item, s.now()); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "touch item")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetPrimary makes photoID the item's primary photo. Re-selecting the current
// primary is a no-op that leaves updated_at untouched.
func (s *service) SetPrimary(ctx context.Context, ownerID string, itemID, photoID uuid.UUID) (*models.Photo, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	var out *models.Photo
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		itemsRepo, repo := s.items.WithTx(tx), s.repo.WithTx(tx)
		item, err := itemsRepo.LockForOwner(ctx, ownerID, itemID)
		if err != nil {
			return itemError(err, "lock item")
		}
		photo, err := repo.FindForItem(ctx, ownerID, itemID, photoID)
		if err != nil {
			return photoError(err, "load photo")
		}
		out = photo
		if photo.IsPrimary {
			return nil
		}
		if err := repo.ClearPrimary(ctx, itemID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "clear primary photo")
		}
		if err := repo.MarkPrimary(ctx, photoID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark primary photo")
		}
		photo.IsPrimary = true
		if err := items.Touch(ctx, itemsRepo, item, s.now()); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "touch item")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the blob first and then the record. A blob that cannot be
// removed keeps the record in place; a blob that is already gone counts as
// removed.
func (s *service) Delete(ctx context.Context, ownerID string, itemID, photoID uuid.UUID) error {
	if err := requireOwner(ownerID); err != nil {
		return err
	}
	photo, err := s.repo.FindForItem(ctx, ownerID, itemID, photoID)
	if err != nil {
		return photoError(err, "load photo")
	}
	ctx = s.logg.WithPhotoID(s.logg.WithItemID(ctx, itemID.String()), photoID.String())

	if err := s.store.Delete(ctx, photo.StoragePath); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete photo blob")
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return s.removeRecord(ctx, tx, ownerID, itemID, photoID)
	})
	if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		// the blob-deleted notification may drop the record first
		s.logg.Debug(ctx, "photo record already removed")
		return nil
	}
	if err != nil {
		return err
	}
	s.logg.Info(ctx, "photo deleted")
	return nil
}

// ForgetMissingBlob drops the record that still references a blob deleted
// out of band. Unknown paths are ignored.
func (s *service) ForgetMissingBlob(ctx context.Context, storagePath string) error {
	photo, err := s.repo.FindByStoragePath(ctx, storagePath)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load photo by path")
	}
	ctx = s.logg.WithFields(s.logg.WithItemID(ctx, photo.ItemID.String()), map[string]any{
		"photo_id":     photo.ID.String(),
		"storage_path": storagePath,
	})

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return s.removeRecord(ctx, tx, photo.OwnerID, photo.ItemID, photo.ID)
	})
	if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	s.logg.Warn(ctx, "photo record dropped after its blob vanished")
	return nil
}

// removeRecord deletes a photo row, promotes the most recent remaining photo
// when the primary went away and bumps the item's updated_at.
func (s *service) removeRecord(ctx context.Context, tx *gorm.DB, ownerID string, itemID, photoID uuid.UUID) error {
	itemsRepo, repo := s.items.WithTx(tx), s.repo.WithTx(tx)
	item, err := itemsRepo.LockForOwner(ctx, ownerID, itemID)
	if err != nil {
		return itemError(err, "lock item")
	}
	photo, err := repo.FindForItem(ctx, ownerID, itemID, photoID)
	if err != nil {
		return photoError(err, "load photo")
	}
	if _, err := repo.Delete(ctx, photoID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete photo record")
	}
	if photo.IsPrimary {
		next, err := repo.MostRecent(ctx, itemID)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find next primary photo")
		default:
			if err := repo.MarkPrimary(ctx, next.ID); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "promote photo")
			}
		}
	}
	if err := items.Touch(ctx, itemsRepo, item, s.now()); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "touch item")
	}
	return nil
}

func (s *service) Get(ctx context.Context, ownerID string, itemID, photoID uuid.UUID) (*models.Photo, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	photo, err := s.repo.FindForItem(ctx, ownerID, itemID, photoID)
	if err != nil {
		return nil, photoError(err, "load photo")
	}
	return photo, nil
}

func (s *service) SignedReadURL(ctx context.Context, ownerID string, itemID, photoID uuid.UUID, ttl time.Duration) (*SignedURL, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	photo, err := s.Get(ctx, ownerID, itemID, photoID)
	if err != nil {
		return nil, err
	}
	return s.SignPhoto(ctx, *photo, ttl)
}

// SignPhoto signs a photo the caller already loaded under its owner. A
// non-positive ttl uses the configured lifetime.
func (s *service) SignPhoto(ctx context.Context, photo models.Photo, ttl time.Duration) (*SignedURL, error) {
	if ttl <= 0 {
		ttl = s.signedTTL
	}
	signed, expires, err := s.store.SignReadURL(ctx, photo.StoragePath, ttl)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sign photo url")
	}
	return &SignedURL{URL: signed, ExpiresAt: expires.UTC()}, nil
}

func validStage(raw string) (string, error) {
	stage := strings.TrimSpace(raw)
	if stage == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "stage cannot be empty").
			WithDetails(map[string]any{"field": "stage"})
	}
	if utf8.RuneCountInString(stage) > maxStageLength {
		return "", pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("stage must be at most %d characters", maxStageLength)).
			WithDetails(map[string]any{"field": "stage"})
	}
	return stage, nil
}

func optionalNote(raw *string) (*string, error) {
	if raw == nil {
		return nil, nil
	}
	note := strings.TrimSpace(*raw)
	if note == "" {
		return nil, nil
	}
	if utf8.RuneCountInString(note) > maxNoteLength {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("note must be at most %d characters", maxNoteLength)).
			WithDetails(map[string]any{"field": "note"})
	}
	return &note, nil
}

func sameText(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
