package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kilnbook/kilnbook-backend/api"
	"github.com/kilnbook/kilnbook-backend/api/routes"
	"github.com/kilnbook/kilnbook-backend/internal/catalog"
	"github.com/kilnbook/kilnbook-backend/internal/identity"
	"github.com/kilnbook/kilnbook-backend/internal/items"
	"github.com/kilnbook/kilnbook-backend/internal/orphans"
	"github.com/kilnbook/kilnbook-backend/internal/photos"
	"github.com/kilnbook/kilnbook-backend/pkg/config"
	"github.com/kilnbook/kilnbook-backend/pkg/db"
	"github.com/kilnbook/kilnbook-backend/pkg/env"
	"github.com/kilnbook/kilnbook-backend/pkg/instance"
	"github.com/kilnbook/kilnbook-backend/pkg/logger"
	"github.com/kilnbook/kilnbook-backend/pkg/metrics"
	"github.com/kilnbook/kilnbook-backend/pkg/migrate"
	"github.com/kilnbook/kilnbook-backend/pkg/redis"
	"github.com/kilnbook/kilnbook-backend/pkg/storage/provider"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store, err := provider.Open(context.Background(), cfg, logg, metrics.NewObjectStoreMetrics(registry))
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap object store", err)
		os.Exit(1)
	}

	verifier, err := identity.NewVerifier(cfg.JWT)
	if err != nil {
		logg.Error(context.Background(), "failed to create identity verifier", err)
		os.Exit(1)
	}

	itemsRepo := items.NewRepository(dbClient.DB())
	photoService, err := photos.NewService(
		dbClient,
		itemsRepo,
		photos.NewRepository(dbClient.DB()),
		store,
		orphans.NewRepository(dbClient.DB()),
		cfg.Photos,
		logg,
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create photo service", err)
		os.Exit(1)
	}
	itemService, err := items.NewService(dbClient, itemsRepo, photoService, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create item service", err)
		os.Exit(1)
	}
	catalogService, err := catalog.NewService(itemService, photoService, cfg.Photos.SignedURLTTL, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create catalog service", err)
		os.Exit(1)
	}

	router := routes.NewRouter(cfg, logg, routes.Dependencies{
		Catalog:     catalogService,
		Verifier:    verifier,
		Idempotency: redisClient,
		RateLimiter: redisClient,
		DB:          dbClient,
		ObjectStore: store,
		Redis:       redisClient,
		Requests:    metrics.NewHTTPMetrics(registry),
		Gatherer:    registry,
	})

	addr := ":" + env.Get("PORT", cfg.App.Port)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":          cfg.App.Env,
		"addr":         addr,
		"instance":     instance.GetID(),
		"object_store": cfg.ObjectStore.Driver,
	})
	logg.Info(ctx, "starting api server")

	if err := api.Serve(ctx, api.NewServer(addr, router), logg); err != nil {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "api server stopped")
}
