package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/kilnbook/kilnbook-backend/api/responses"
	"github.com/kilnbook/kilnbook-backend/internal/identity"
	pkgerrors "github.com/kilnbook/kilnbook-backend/pkg/errors"
	"github.com/kilnbook/kilnbook-backend/pkg/logger"
)

// SubjectVerifier turns a bearer credential into a verified subject.
type SubjectVerifier interface {
	Verify(ctx context.Context, credential string) (identity.Subject, error)
}

// Auth validates a bearer token and seeds the request context with the subject.
func Auth(verifier SubjectVerifier, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "identity verifier unavailable"))
				return
			}
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			if raw == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			token := raw
			if strings.HasPrefix(strings.ToLower(token), "bearer ") {
				token = strings.TrimSpace(token[7:])
			}
			if token == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			subject, err := verifier.Verify(r.Context(), token)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Propagate(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}

			ctx := identity.WithSubject(r.Context(), subject)
			if logg != nil {
				ctx = logg.WithSubjectID(ctx, subject.ID())
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
