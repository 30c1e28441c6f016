package controllers

import (
	"net/http"

	"github.com/kilnbook/kilnbook-backend/api/responses"
	"github.com/kilnbook/kilnbook-backend/api/validators"
	"github.com/kilnbook/kilnbook-backend/internal/catalog"
	"github.com/kilnbook/kilnbook-backend/internal/identity"
	"github.com/kilnbook/kilnbook-backend/internal/items"
	pkgerrors "github.com/kilnbook/kilnbook-backend/pkg/errors"
	"github.com/kilnbook/kilnbook-backend/pkg/logger"
	"github.com/kilnbook/kilnbook-backend/pkg/pagination"
	"github.com/kilnbook/kilnbook-backend/pkg/types"
)

const maxCursorLength = 512

type createItemRequest struct {
	Name          string              `json:"name" validate:"required"`
	ClayType      *string             `json:"clay_type,omitempty"`
	Location      *string             `json:"location,omitempty"`
	Glaze         *string             `json:"glaze,omitempty"`
	Cone          *string             `json:"cone,omitempty"`
	Note          *string             `json:"note,omitempty"`
	CurrentStatus string              `json:"current_status,omitempty"`
	IsArchived    bool                `json:"is_archived,omitempty"`
	IsBroken      bool                `json:"is_broken,omitempty"`
	Measurements  *types.Measurements `json:"measurements,omitempty"`
}

func (r createItemRequest) toInput() items.CreateInput {
	return items.CreateInput{
		Name:          r.Name,
		ClayType:      r.ClayType,
		Location:      r.Location,
		Glaze:         r.Glaze,
		Cone:          r.Cone,
		Note:          r.Note,
		CurrentStatus: r.CurrentStatus,
		IsArchived:    r.IsArchived,
		IsBroken:      r.IsBroken,
		Measurements:  r.Measurements,
	}
}

// updateItemRequest keeps absent, null and set apart for every field.
type updateItemRequest struct {
	Name          types.Optional[string]             `json:"name"`
	ClayType      types.Optional[string]             `json:"clay_type"`
	Location      types.Optional[string]             `json:"location"`
	Glaze         types.Optional[string]             `json:"glaze"`
	Cone          types.Optional[string]             `json:"cone"`
	Note          types.Optional[string]             `json:"note"`
	CurrentStatus types.Optional[string]             `json:"current_status"`
	IsArchived    types.Optional[bool]               `json:"is_archived"`
	IsBroken      types.Optional[bool]               `json:"is_broken"`
	Measurements  types.Optional[types.Measurements] `json:"measurements"`
}

func (r updateItemRequest) toInput() items.UpdateInput {
	return items.UpdateInput{
		Name:          r.Name,
		ClayType:      r.ClayType,
		Location:      r.Location,
		Glaze:         r.Glaze,
		Cone:          r.Cone,
		Note:          r.Note,
		CurrentStatus: r.CurrentStatus,
		IsArchived:    r.IsArchived,
		IsBroken:      r.IsBroken,
		Measurements:  r.Measurements,
	}
}

// subjectOrError returns the verified caller placed by the auth middleware.
func subjectOrError(r *http.Request) (identity.Subject, error) {
	subject, ok := identity.SubjectFromContext(r.Context())
	if !ok {
		return identity.Subject{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required")
	}
	return subject, nil
}

func serviceUnavailable(name string) error {
	return pkgerrors.New(pkgerrors.CodeInternal, name+" unavailable")
}

// CreateItem catalogues a new piece for the caller.
func CreateItem(svc catalog.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable("catalog service"))
			return
		}
		subject, err := subjectOrError(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload createItemRequest
		if err := validators.DecodeJSONBody(w, r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		view, err := svc.CreateItem(r.Context(), subject, payload.toInput())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, view)
	}
}

// ListItems pages through the caller's items, newest first.
func ListItems(svc catalog.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable("catalog service"))
			return
		}
		subject, err := subjectOrError(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		cursor, err := validators.ParseQueryToken(r, "cursor", maxCursorLength)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		params := pagination.Params{Limit: limit, Cursor: cursor}

		page, err := svc.ListItems(r.Context(), subject, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, page)
	}
}

// GetItem returns one item with freshly signed photo URLs.
func GetItem(svc catalog.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable("catalog service"))
			return
		}
		subject, err := subjectOrError(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		itemID, err := validators.ParseUUIDParam(r, "itemId", "item")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		view, err := svc.GetItem(r.Context(), subject, itemID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

// UpdateItem applies a partial update.
func UpdateItem(svc catalog.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable("catalog service"))
			return
		}
		subject, err := subjectOrError(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		itemID, err := validators.ParseUUIDParam(r, "itemId", "item")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload updateItemRequest
		if err := validators.DecodeJSONBody(w, r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		view, err := svc.UpdateItem(r.Context(), subject, itemID, payload.toInput())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

// DeleteItem removes an item after all of its photos.
func DeleteItem(svc catalog.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable("catalog service"))
			return
		}
		subject, err := subjectOrError(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		itemID, err := validators.ParseUUIDParam(r, "itemId", "item")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		if err := svc.DeleteItem(r.Context(), subject, itemID); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteNoContent(w)
	}
}
