package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/kilnbook/kilnbook-backend/api/responses"
	"github.com/kilnbook/kilnbook-backend/api/validators"
	"github.com/kilnbook/kilnbook-backend/internal/catalog"
	"github.com/kilnbook/kilnbook-backend/internal/photos"
	pkgerrors "github.com/kilnbook/kilnbook-backend/pkg/errors"
	"github.com/kilnbook/kilnbook-backend/pkg/logger"
	"github.com/kilnbook/kilnbook-backend/pkg/types"
)

const (
	formFile  = "file"
	formStage = "stage"
	formNote  = "note"

	// multipartOverhead covers boundaries and the text fields around the file.
	multipartOverhead = 1 << 20
)

type updatePhotoRequest struct {
	Stage types.Optional[string] `json:"stage"`
	Note  types.Optional[string] `json:"image_note"`
}

// UploadPhoto accepts a multipart upload with the image under "file" and
// optional "stage" and "note" fields. maxBytes bounds the image itself.
func UploadPhoto(svc catalog.Service, maxBytes int64, logg *logger.Logger) http.HandlerFunc {
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

		input, err := readUpload(w, r, maxBytes)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		view, err := svc.UploadPhoto(r.Context(), subject, itemID, input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, view)
	}
}

// UploadReplay lets the idempotency layer store only the id of an uploaded
// photo. A replay renders the photo again with a newly signed URL, or answers
// not found once the photo is gone.
type UploadReplay struct {
	Catalog catalog.Service
}

type storedUpload struct {
	PhotoID uuid.UUID `json:"photo_id"`
}

func (u UploadReplay) Persist(body []byte) ([]byte, error) {
	var created struct {
		Data struct {
			ID uuid.UUID `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, err
	}
	if created.Data.ID == uuid.Nil {
		return nil, errors.New("upload response carries no photo id")
	}
	return json.Marshal(storedUpload{PhotoID: created.Data.ID})
}

func (u UploadReplay) Render(ctx context.Context, r *http.Request, persisted []byte) ([]byte, error) {
	if u.Catalog == nil {
		return nil, serviceUnavailable("catalog service")
	}
	var stored storedUpload
	if err := json.Unmarshal(persisted, &stored); err != nil || stored.PhotoID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "stored upload is unreadable")
	}
	subject, err := subjectOrError(r)
	if err != nil {
		return nil, err
	}
	itemID, err := validators.ParseUUIDParam(r, "itemId", "item")
	if err != nil {
		return nil, err
	}
	view, err := u.Catalog.GetPhoto(ctx, subject, itemID, stored.PhotoID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(types.SuccessEnvelope{Data: view})
}

func readUpload(w http.ResponseWriter, r *http.Request, maxBytes int64) (photos.UploadInput, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(maxBytes + multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return photos.UploadInput{}, pkgerrors.New(pkgerrors.CodeTooLarge, "photo exceeds the upload limit").
				WithDetails(map[string]any{"max_bytes": maxBytes})
		}
		return photos.UploadInput{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "expected a multipart form").
			WithDetails(map[string]any{"field": formFile})
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile(formFile)
	if err != nil {
		return photos.UploadInput{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "file is required").
			WithDetails(map[string]any{"field": formFile})
	}
	defer file.Close()

	data, err := readLimited(file, maxBytes)
	if err != nil {
		return photos.UploadInput{}, err
	}

	return photos.UploadInput{
		Stage:       formValue(r.MultipartForm, formStage),
		Note:        formValue(r.MultipartForm, formNote),
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

// readLimited reads one byte past the limit so the service can report the
// overflow with the right code.
func readLimited(file multipart.File, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read upload").
			WithDetails(map[string]any{"field": formFile})
	}
	return data, nil
}

// formValue returns nil for an absent field so the service can tell it
// apart from an empty one.
func formValue(form *multipart.Form, key string) *string {
	if form == nil {
		return nil
	}
	values, ok := form.Value[key]
	if !ok || len(values) == 0 {
		return nil
	}
	v := strings.TrimSpace(values[0])
	return &v
}

// UpdatePhoto edits the stage and note of a photo.
func UpdatePhoto(svc catalog.Service, logg *logger.Logger) http.HandlerFunc {
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
		itemID, photoID, err := photoParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload updatePhotoRequest
		if err := validators.DecodeJSONBody(w, r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		view, err := svc.UpdatePhoto(r.Context(), subject, itemID, photoID, photos.UpdateInput{
			Stage: payload.Stage,
			Note:  payload.Note,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

// DeletePhoto removes a photo blob and its record.
func DeletePhoto(svc catalog.Service, logg *logger.Logger) http.HandlerFunc {
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
		itemID, photoID, err := photoParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		if err := svc.DeletePhoto(r.Context(), subject, itemID, photoID); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteNoContent(w)
	}
}

// SetPrimaryPhoto makes a photo the item's cover.
func SetPrimaryPhoto(svc catalog.Service, logg *logger.Logger) http.HandlerFunc {
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
		itemID, photoID, err := photoParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		view, err := svc.SetPrimaryPhoto(r.Context(), subject, itemID, photoID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

// PhotoURL signs a fresh read URL for one photo.
func PhotoURL(svc catalog.Service, logg *logger.Logger) http.HandlerFunc {
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
		itemID, photoID, err := photoParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		signed, err := svc.PhotoURL(r.Context(), subject, itemID, photoID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		responses.WriteSuccess(w, signed)
	}
}

func photoParams(r *http.Request) (itemID, photoID uuid.UUID, err error) {
	itemID, err = validators.ParseUUIDParam(r, "itemId", "item")
	if err != nil {
		return itemID, photoID, err
	}
	photoID, err = validators.ParseUUIDParam(r, "photoId", "photo")
	return itemID, photoID, err
}
