package validators

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	pkgerrors "github.com/kilnbook/kilnbook-backend/pkg/errors"
)

// ParseUUIDParam reads a chi route parameter as a UUID. A malformed id
// cannot name any record, so it is reported as not found.
func ParseUUIDParam(r *http.Request, key, resource string) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, key))
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, resource+" id is required").
			WithDetails(map[string]any{"field": key})
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeNotFound, err, resource+" not found")
	}
	return id, nil
}
