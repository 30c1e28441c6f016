// Package provider selects and wraps the configured object store backend.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/kilnbook/kilnbook-backend/pkg/config"
	"github.com/kilnbook/kilnbook-backend/pkg/logger"
	"github.com/kilnbook/kilnbook-backend/pkg/storage"
	"github.com/kilnbook/kilnbook-backend/pkg/storage/gcs"
	"github.com/kilnbook/kilnbook-backend/pkg/storage/memory"
	"github.com/kilnbook/kilnbook-backend/pkg/storage/minio"
	"github.com/kilnbook/kilnbook-backend/pkg/storage/s3"
)

// Open connects to the backend named by cfg.ObjectStore.Driver and wraps it
// with timeouts, retries and telemetry.
func Open(ctx context.Context, cfg *config.Config, logg *logger.Logger, observer storage.Observer) (*storage.Resilient, error) {
	backend, err := openBackend(ctx, cfg, logg)
	if err != nil {
		return nil, err
	}
	policy := storage.RetryPolicy{
		Timeout:    cfg.ObjectStore.Timeout,
		MaxRetries: cfg.ObjectStore.MaxRetries,
		Base:       cfg.ObjectStore.RetryBase,
	}
	return storage.NewResilient(backend, policy, observer, logg), nil
}

func openBackend(ctx context.Context, cfg *config.Config, logg *logger.Logger) (storage.ObjectStore, error) {
	switch strings.ToLower(cfg.ObjectStore.Driver) {
	case config.ObjectStoreGCS:
		return gcs.NewClient(ctx, cfg.GCS, cfg.GCP, logg)
	case config.ObjectStoreS3:
		return s3.New(ctx, cfg.S3, logg)
	case config.ObjectStoreMinIO:
		return minio.New(ctx, cfg.MinIO, logg)
	case config.ObjectStoreMemory:
		if logg != nil {
			logg.Warn(ctx, "using in-memory object store; blobs are lost on restart")
		}
		return memory.New(cfg.JWT.Secret), nil
	default:
		return nil, fmt.Errorf("unsupported object store driver %q", cfg.ObjectStore.Driver)
	}
}
