// Package identity verifies bearer tokens issued by the identity provider and
// yields the caller's Subject.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/kilnbook/kilnbook-backend/pkg/config"
	pkgerrors "github.com/kilnbook/kilnbook-backend/pkg/errors"
)

var signingMethod = jwt.SigningMethodHS256

// Subject is a verified caller. Only Verifier can produce a non-zero value,
// so holding one proves the token was checked.
type Subject struct {
	id string
}

// ID returns the subject id the token was issued for.
func (s Subject) ID() string {
	return s.id
}

// IsZero reports whether s was never verified.
func (s Subject) IsZero() bool {
	return s.id == ""
}

// Claims is the JWT body the identity provider issues.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier checks HS256 tokens against the shared secret and issuer.
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

func NewVerifier(cfg config.JWTConfig) (*Verifier, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("jwt issuer is required")
	}
	return &Verifier{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		leeway: cfg.Leeway,
		now:    time.Now,
	}, nil
}

// Verify validates credential and returns its Subject. Every failure is an
// UNAUTHORIZED error.
func (v *Verifier) Verify(_ context.Context, credential string) (Subject, error) {
	token := strings.TrimSpace(credential)
	if token == "" {
		return Subject{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials")
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (any, error) {
			if t.Method != signingMethod {
				return nil, fmt.Errorf("unexpected signing method %s", t.Header["alg"])
			}
			return v.secret, nil
		},
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		msg := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			msg = "token expired"
		}
		return Subject{}, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, msg)
	}

	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return Subject{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "token has no subject")
	}
	return Subject{id: sub}, nil
}

// Mint issues a token for subjectID. Production tokens come from the
// identity provider; this serves local tooling and tests.
func Mint(cfg config.JWTConfig, now time.Time, subjectID string) (string, error) {
	if cfg.Secret == "" {
		return "", fmt.Errorf("jwt secret is required")
	}
	if cfg.Issuer == "" {
		return "", fmt.Errorf("jwt issuer is required")
	}
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return "", fmt.Errorf("subject id is required")
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.Expiration())),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(signingMethod, claims).SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}
	return signed, nil
}
