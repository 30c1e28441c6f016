package validators

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	pkgerrors "github.com/kilnbook/kilnbook-backend/pkg/errors"
)

func withParam(req *http.Request, key, value string) *http.Request {
	rc := chi.NewRouteContext()
	rc.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))
}

func TestParseUUIDParam(t *testing.T) {
	id := uuid.New()
	req := withParam(httptest.NewRequest(http.MethodGet, "/", nil), "itemId", id.String())
	got, err := ParseUUIDParam(req, "itemId", "item")
	if err != nil || got != id {
		t.Fatalf("expected %s, got %s (%v)", id, got, err)
	}

	req = withParam(httptest.NewRequest(http.MethodGet, "/", nil), "itemId", "not-a-uuid")
	if _, err := ParseUUIDParam(req, "itemId", "item"); !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND for malformed id, got %v", err)
	}

	req = withParam(httptest.NewRequest(http.MethodGet, "/", nil), "itemId", "")
	if _, err := ParseUUIDParam(req, "itemId", "item"); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR for empty id, got %v", err)
	}
}

type sampleBody struct {
	Name string `json:"name" validate:"required,max=5"`
}

func TestDecodeJSONBody(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		code  pkgerrors.Code
		field string
	}{
		{name: "ok", body: `{"name":"bowl"}`},
		{name: "missing", body: `{}`, code: pkgerrors.CodeValidation, field: "name"},
		{name: "too long", body: `{"name":"teapots"}`, code: pkgerrors.CodeValidation, field: "name"},
		{name: "unknown field", body: `{"name":"bowl","owner_id":"x"}`, code: pkgerrors.CodeValidation},
		{name: "malformed", body: `{`, code: pkgerrors.CodeValidation},
		{name: "empty", body: ``, code: pkgerrors.CodeValidation},
		{name: "two objects", body: `{"name":"a"}{"name":"b"}`, code: pkgerrors.CodeValidation},
		{name: "oversized", body: `{"name":"` + strings.Repeat("x", MaxJSONBody) + `"}`, code: pkgerrors.CodeTooLarge},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
		var dest sampleBody
		err := DecodeJSONBody(httptest.NewRecorder(), req, &dest)
		if tc.code == "" {
			if err != nil {
				t.Fatalf("%s: unexpected error %v", tc.name, err)
			}
			continue
		}
		if !pkgerrors.IsCode(err, tc.code) {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.code, err)
		}
		if tc.field != "" {
			details, _ := pkgerrors.As(err).Details().(map[string]string)
			if _, ok := details[tc.field]; !ok {
				t.Fatalf("%s: expected detail for %s, got %v", tc.name, tc.field, details)
			}
		}
	}
}

func TestParseQueryToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?cursor=+abc+", nil)
	if got, err := ParseQueryToken(req, "cursor", 8); err != nil || got != "abc" {
		t.Fatalf("expected trimmed token, got %q (%v)", got, err)
	}
	req = httptest.NewRequest(http.MethodGet, "/?cursor="+strings.Repeat("a", 9), nil)
	if _, err := ParseQueryToken(req, "cursor", 8); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestParseQueryInt(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=7", nil)
	if got, err := ParseQueryInt(req, "limit", 20, 1, 100); err != nil || got != 7 {
		t.Fatalf("expected 7, got %d (%v)", got, err)
	}
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	if got, _ := ParseQueryInt(req, "limit", 20, 1, 100); got != 20 {
		t.Fatalf("expected default 20, got %d", got)
	}
	for _, raw := range []string{"abc", "0", "101"} {
		req = httptest.NewRequest(http.MethodGet, "/?limit="+raw, nil)
		if _, err := ParseQueryInt(req, "limit", 20, 1, 100); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
			t.Fatalf("%s: expected validation error, got %v", raw, err)
		}
	}
}
