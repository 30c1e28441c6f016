package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kilnbook/kilnbook-backend/internal/items"
	"github.com/kilnbook/kilnbook-backend/internal/orphans"
	"github.com/kilnbook/kilnbook-backend/internal/photos"
	"github.com/kilnbook/kilnbook-backend/internal/photos/consumer"
	"github.com/kilnbook/kilnbook-backend/pkg/config"
	"github.com/kilnbook/kilnbook-backend/pkg/db"
	"github.com/kilnbook/kilnbook-backend/pkg/instance"
	"github.com/kilnbook/kilnbook-backend/pkg/logger"
	"github.com/kilnbook/kilnbook-backend/pkg/pubsub"
	"github.com/kilnbook/kilnbook-backend/pkg/storage/provider"
)

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "media-deleted-worker"})

	_ = godotenv.Load()

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)

	cfg.Service.Kind = "media-deleted-worker"

	logg = logger.New(logger.Options{
		ServiceName: "media-deleted-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	requireResource(ctx, logg, "database", err)
	defer dbClient.Close()

	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
	requireResource(ctx, logg, "pubsub", err)
	defer pubsubClient.Close()

	store, err := provider.Open(ctx, cfg, logg, nil)
	requireResource(ctx, logg, "object store", err)

	photoService, err := photos.NewService(
		dbClient,
		items.NewRepository(dbClient.DB()),
		photos.NewRepository(dbClient.DB()),
		store,
		orphans.NewRepository(dbClient.DB()),
		cfg.Photos,
		logg,
	)
	requireResource(ctx, logg, "photo service", err)

	deletionConsumer, err := consumer.NewDeletionConsumer(
		photoService,
		pubsubClient.BlobDeletionSubscriber(),
		cfg.GCS.BucketName,
		logg,
	)
	requireResource(ctx, logg, "media deletion consumer", err)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx = logg.WithFields(runCtx, map[string]any{
		"serviceKind": cfg.Service.Kind,
		"env":         cfg.App.Env,
		"instance":    instance.GetID(),
	})
	logg.Info(runCtx, "media deleted worker ready")

	if err := deletionConsumer.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(runCtx, "media deleted worker stopped unexpectedly", err)
		os.Exit(1)
	}
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
