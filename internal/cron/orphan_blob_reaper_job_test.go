package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kilnbook/kilnbook-backend/internal/orphans"
	"github.com/kilnbook/kilnbook-backend/internal/photos"
	"github.com/kilnbook/kilnbook-backend/pkg/db/dbtest"
	"github.com/kilnbook/kilnbook-backend/pkg/db/models"
	"github.com/kilnbook/kilnbook-backend/pkg/enums"
	"github.com/kilnbook/kilnbook-backend/pkg/logger"
	"github.com/kilnbook/kilnbook-backend/pkg/storage/memory"
)

func TestOrphanBlobReaperDeletesUnreferencedBlobs(t *testing.T) {
	client := dbtest.NewSQLite(t)
	ctx := context.Background()
	ledger := orphans.NewRepository(client.DB())
	store := memory.New("secret")

	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	item := models.PotteryItem{ID: uuid.New(), OwnerID: "u", Name: "Bowl", CurrentStatus: enums.ItemStatusGreenware, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, client.DB().Create(&item).Error)
	live := models.Photo{ID: uuid.New(), ItemID: item.ID, OwnerID: "u", Stage: "greenware", StoragePath: "items/u/live.png", ContentType: "image/png", IsPrimary: true, UploadedAt: now}
	require.NoError(t, client.DB().Create(&live).Error)

	for _, key := range []string{"items/u/live.png", "items/u/orphan.png"} {
		require.NoError(t, store.Write(ctx, key, []byte("x"), "image/png"))
		require.NoError(t, ledger.Record(ctx, key, enums.OrphanReasonUploadRollback, nil))
	}
	require.NoError(t, ledger.Record(ctx, "items/u/already-gone.png", enums.OrphanReasonUploadCanceled, nil))

	job, err := NewOrphanBlobReaperJob(OrphanBlobReaperJobParams{
		Logger: logger.Nop(),
		Ledger: ledger,
		Photos: photos.NewRepository(client.DB()),
		Store:  store,
	})
	require.NoError(t, err)
	require.Equal(t, "orphan-blob-reaper", job.Name())
	require.NoError(t, job.Run(ctx))

	require.True(t, store.Has("items/u/live.png"))
	require.False(t, store.Has("items/u/orphan.png"))
	rows, err := ledger.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestOrphanBlobReaperRecordsFailures(t *testing.T) {
	client := dbtest.NewSQLite(t)
	ctx := context.Background()
	ledger := orphans.NewRepository(client.DB())
	store := memory.New("secret")
	require.NoError(t, store.Write(ctx, "items/u/stuck.png", []byte("x"), "image/png"))
	require.NoError(t, ledger.Record(ctx, "items/u/stuck.png", enums.OrphanReasonUploadRollback, nil))
	store.FailDeletes(errors.New("access denied"))

	job, err := NewOrphanBlobReaperJob(OrphanBlobReaperJobParams{
		Logger:      logger.Nop(),
		Ledger:      ledger,
		Photos:      photos.NewRepository(client.DB()),
		Store:       store,
		MaxAttempts: 2,
	})
	require.NoError(t, err)

	require.Error(t, job.Run(ctx))
	require.Error(t, job.Run(ctx))
	// the row reached the attempt ceiling and is no longer picked up
	require.NoError(t, job.Run(ctx))

	rows, err := ledger.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 2, rows[0].Attempts)
	require.NotNil(t, rows[0].LastError)
	require.Contains(t, *rows[0].LastError, "access denied")
	require.True(t, store.Has("items/u/stuck.png"))
}
