// Package identitytest issues verified subjects for tests in other packages.
package identitytest

import (
	"context"
	"testing"
	"time"

	"github.com/kilnbook/kilnbook-backend/internal/identity"
	"github.com/kilnbook/kilnbook-backend/pkg/config"
)

// Config is the JWT configuration shared by test tokens.
var Config = config.JWTConfig{
	Secret:            "test-secret",
	Issuer:            "kilnbook-test",
	ExpirationMinutes: 60,
}

// Token mints a bearer token for id.
func Token(t testing.TB, id string) string {
	t.Helper()
	token, err := identity.Mint(Config, time.Now(), id)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

// Subject mints a token for id and runs it through the real verifier.
func Subject(t testing.TB, id string) identity.Subject {
	t.Helper()
	v, err := identity.NewVerifier(Config)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	s, err := v.Verify(context.Background(), Token(t, id))
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	return s
}
