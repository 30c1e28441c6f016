package cron

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/kilnbook/kilnbook-backend/pkg/db/models"
	"github.com/kilnbook/kilnbook-backend/pkg/logger"
	"github.com/kilnbook/kilnbook-backend/pkg/storage"
)

const (
	defaultReaperBatchSize   = 100
	defaultReaperMaxAttempts = 10
)

type orphanLedger interface {
	List(ctx context.Context, limit, maxAttempts int) ([]models.OrphanBlob, error)
	MarkFailed(ctx context.Context, id uuid.UUID, cause error) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type pathReferences interface {
	ReferencedPaths(ctx context.Context, paths []string) (map[string]bool, error)
}

type blobDeleter interface {
	Delete(ctx context.Context, key string) error
}

// OrphanBlobReaperJobParams configure the orphan blob reaper.
type OrphanBlobReaperJobParams struct {
	Logger      *logger.Logger
	Ledger      orphanLedger
	Photos      pathReferences
	Store       blobDeleter
	BatchSize   int
	MaxAttempts int
}

// NewOrphanBlobReaperJob builds the job that deletes blobs recorded in the
// orphan ledger.
func NewOrphanBlobReaperJob(params OrphanBlobReaperJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("orphan ledger required")
	}
	if params.Photos == nil {
		return nil, fmt.Errorf("photo repository required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("object store required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultReaperBatchSize
	}
	attempts := params.MaxAttempts
	if attempts <= 0 {
		attempts = defaultReaperMaxAttempts
	}
	return &orphanBlobReaperJob{
		logg:        params.Logger,
		ledger:      params.Ledger,
		photos:      params.Photos,
		store:       params.Store,
		batchSize:   batch,
		maxAttempts: attempts,
	}, nil
}

type orphanBlobReaperJob struct {
	logg        *logger.Logger
	ledger      orphanLedger
	photos      pathReferences
	store       blobDeleter
	batchSize   int
	maxAttempts int
}

func (j *orphanBlobReaperJob) Name() string { return "orphan-blob-reaper" }

func (j *orphanBlobReaperJob) Run(ctx context.Context) error {
	rows, err := j.ledger.List(ctx, j.batchSize, j.maxAttempts)
	if err != nil {
		return fmt.Errorf("list orphan blobs: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	paths := make([]string, 0, len(rows))
	for _, row := range rows {
		paths = append(paths, row.StoragePath)
	}
	referenced, err := j.photos.ReferencedPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("check referenced paths: %w", err)
	}

	var (
		errs   error
		reaped int
		kept   int
		failed int
	)
	for _, row := range rows {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		rowCtx := j.logg.WithField(ctx, "storage_path", row.StoragePath)

		// a committed record owns the blob; only the ledger row is stale
		if referenced[row.StoragePath] {
			if err := j.ledger.Delete(ctx, row.ID); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("drop ledger row %s: %w", row.ID, err))
				continue
			}
			j.logg.Warn(rowCtx, "orphan ledger row referenced a live photo; dropped")
			kept++
			continue
		}

		if err := j.store.Delete(ctx, row.StoragePath); err != nil && !errors.Is(err, storage.ErrNotFound) {
			failed++
			errs = multierr.Append(errs, fmt.Errorf("delete blob %s: %w", row.StoragePath, err))
			if markErr := j.ledger.MarkFailed(ctx, row.ID, err); markErr != nil {
				errs = multierr.Append(errs, fmt.Errorf("mark ledger row %s: %w", row.ID, markErr))
			}
			continue
		}
		if err := j.ledger.Delete(ctx, row.ID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("drop ledger row %s: %w", row.ID, err))
			continue
		}
		reaped++
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"candidates": len(rows),
		"reaped":     reaped,
		"kept_live":  kept,
		"failed":     failed,
	}), "orphan blob reaper complete")
	return errs
}
