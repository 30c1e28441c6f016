// Command mint-token prints a bearer token for a subject id so the API can be
// exercised locally without an identity provider.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/kilnbook/kilnbook-backend/internal/identity"
	"github.com/kilnbook/kilnbook-backend/pkg/config"
	"github.com/kilnbook/kilnbook-backend/pkg/logger"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "mint-token"})
	_ = godotenv.Load()

	subject := flag.String("subject", "", "subject id the token identifies")
	flag.Parse()

	cfg, err := config.LoadJWT()
	if err != nil {
		logg.Error(context.Background(), "failed to load jwt config", err)
		os.Exit(1)
	}

	token, err := identity.Mint(cfg, time.Now(), *subject)
	if err != nil {
		logg.Error(logg.WithField(context.Background(), "subject", *subject), "failed to mint token", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
