package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kilnbook/kilnbook-backend/pkg/config"
	pkgerrors "github.com/kilnbook/kilnbook-backend/pkg/errors"
)

func testConfig() config.JWTConfig {
	return config.JWTConfig{
		Secret:            "secret",
		Issuer:            "kilnbook-idp",
		ExpirationMinutes: 30,
		Leeway:            5 * time.Second,
	}
}

func TestMintAndVerify(t *testing.T) {
	cfg := testConfig()
	token, err := Mint(cfg, time.Now(), "user-123")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	v, err := NewVerifier(cfg)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	subject, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if subject.ID() != "user-123" {
		t.Fatalf("unexpected subject %q", subject.ID())
	}
}

func TestVerifyRejects(t *testing.T) {
	cfg := testConfig()
	now := time.Now()
	valid, err := Mint(cfg, now, "user-123")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	otherSecret := cfg
	otherSecret.Secret = "different"
	forged, _ := Mint(otherSecret, now, "user-123")

	otherIssuer := cfg
	otherIssuer.Issuer = "someone-else"
	wrongIssuer, _ := Mint(otherIssuer, now, "user-123")

	expired, _ := Mint(cfg, now.Add(-2*time.Hour), "user-123")

	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    cfg.Issuer,
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}}).SignedString([]byte(cfg.Secret))

	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:  cfg.Issuer,
		Subject: "user-123",
	}}).SignedString([]byte(cfg.Secret))

	v, _ := NewVerifier(cfg)
	cases := map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"forged":       forged,
		"wrong issuer": wrongIssuer,
		"expired":      expired,
		"no subject":   noSubject,
		"no expiry":    noExpiry,
		"tampered":     valid + "x",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), token)
			if !pkgerrors.IsCode(err, pkgerrors.CodeUnauthorized) {
				t.Fatalf("expected UNAUTHORIZED, got %v", err)
			}
		})
	}
}

func TestVerifyHonoursLeeway(t *testing.T) {
	cfg := testConfig()
	now := time.Now()
	token, _ := Mint(cfg, now, "user-123")

	v, _ := NewVerifier(cfg)
	v.now = func() time.Time { return now.Add(30*time.Minute + 2*time.Second) }
	if _, err := v.Verify(context.Background(), token); err != nil {
		t.Fatalf("expected token within leeway to verify: %v", err)
	}
	v.now = func() time.Time { return now.Add(30*time.Minute + time.Minute) }
	if _, err := v.Verify(context.Background(), token); err == nil {
		t.Fatal("expected token beyond leeway to fail")
	}
}

func TestNewVerifierRequiresConfig(t *testing.T) {
	if _, err := NewVerifier(config.JWTConfig{Issuer: "x"}); err == nil {
		t.Fatal("expected error without secret")
	}
	if _, err := NewVerifier(config.JWTConfig{Secret: "x"}); err == nil {
		t.Fatal("expected error without issuer")
	}
}

func TestSubjectContext(t *testing.T) {
	if _, ok := SubjectFromContext(context.Background()); ok {
		t.Fatal("expected no subject on empty context")
	}
	ctx := WithSubject(context.Background(), Subject{})
	if _, ok := SubjectFromContext(ctx); ok {
		t.Fatal("zero subject must not count as verified")
	}
	ctx = WithSubject(context.Background(), Subject{id: "abc"})
	s, ok := SubjectFromContext(ctx)
	if !ok || s.ID() != "abc" {
		t.Fatalf("unexpected subject %+v ok=%v", s, ok)
	}
}
