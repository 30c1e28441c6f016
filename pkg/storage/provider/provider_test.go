package provider

import (
	"context"
	"testing"
	"time"

	"github.com/kilnbook/kilnbook-backend/pkg/config"
	"github.com/kilnbook/kilnbook-backend/pkg/logger"
	"github.com/kilnbook/kilnbook-backend/pkg/storage/memory"
)

func TestOpenMemoryBackend(t *testing.T) {
	cfg := &config.Config{}
	cfg.ObjectStore.Driver = "MEMORY"
	cfg.ObjectStore.Timeout = time.Second
	cfg.JWT.Secret = "secret"

	store, err := Open(context.Background(), cfg, logger.Nop(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := store.Unwrap().(*memory.Store); !ok {
		t.Fatalf("expected memory backend, got %T", store.Unwrap())
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	cfg := &config.Config{}
	cfg.ObjectStore.Driver = "ftp"
	if _, err := Open(context.Background(), cfg, nil, nil); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
