package middleware

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kilnbook/kilnbook-backend/internal/identity"
	"github.com/kilnbook/kilnbook-backend/internal/identity/identitytest"
	pkgerrors "github.com/kilnbook/kilnbook-backend/pkg/errors"
)

type fakeStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]string)}
}

func (f *fakeStore) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.data[key]; ok {
		return v, nil
	}
	return "", redis.Nil
}

func (f *fakeStore) Set(_ context.Context, key string, value any, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	str, _ := value.(string)
	f.data[key] = str
	return nil
}

func (f *fakeStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	str, _ := value.(string)
	f.data[key] = str
	return true, nil
}

func (f *fakeStore) IdempotencyKey(scope, id string) string {
	return fmt.Sprintf("fake:%s:%s", scope, id)
}

func (f *fakeStore) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func authedRequest(t *testing.T, subject string, body io.Reader) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/items", body)
	return req.WithContext(identity.WithSubject(req.Context(), identitytest.Subject(t, subject)))
}

func TestIdempotencyMiddlewareRequiresHeader(t *testing.T) {
	mw := Idempotency(newFakeStore(), IdempotencyPolicy{}, nil)
	handlerCalled := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		w.WriteHeader(http.StatusCreated)
	})

	resp := httptest.NewRecorder()
	mw(handler).ServeHTTP(resp, authedRequest(t, "potter-1", strings.NewReader(`{"name":"bowl"}`)))

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", resp.Code)
	}
	if handlerCalled {
		t.Fatalf("handler should not run without idempotency key")
	}
}

func TestIdempotencyMiddlewareReplaysStoredResponse(t *testing.T) {
	mw := Idempotency(newFakeStore(), IdempotencyPolicy{}, nil)
	var calls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"name":"bowl"}` {
			t.Errorf("handler saw body %q", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	req := authedRequest(t, "potter-1", strings.NewReader(`{"name":"bowl"}`))
	req.Header.Set(IdempotencyHeader, "abc")
	resp := httptest.NewRecorder()
	mw(handler).ServeHTTP(resp, req)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected first response 201 got %d", resp.Code)
	}

	replay := authedRequest(t, "potter-1", strings.NewReader(`{"name":"bowl"}`))
	replay.Header.Set(IdempotencyHeader, "abc")
	rec := httptest.NewRecorder()
	mw(handler).ServeHTTP(rec, replay)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected replay status 201 got %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("expected content-type header preserved")
	}
	if rec.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatalf("expected replay marker header")
	}
	if strings.TrimSpace(rec.Body.String()) != `{"ok":true}` {
		t.Fatalf("expected stored body got %s", rec.Body.String())
	}
	if calls != 1 {
		t.Fatalf("handler executed %d times, expected 1", calls)
	}
}

func TestIdempotencyKeysAreScopedBySubject(t *testing.T) {
	mw := Idempotency(newFakeStore(), IdempotencyPolicy{}, nil)
	var calls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	})

	for _, subject := range []string{"potter-1", "potter-2"} {
		req := authedRequest(t, subject, strings.NewReader(`{"name":"bowl"}`))
		req.Header.Set(IdempotencyHeader, "same-key")
		mw(handler).ServeHTTP(httptest.NewRecorder(), req)
	}
	if calls != 2 {
		t.Fatalf("expected each subject to run once, got %d calls", calls)
	}
}

func TestIdempotencyMiddlewareDetectsBodyChange(t *testing.T) {
	mw := Idempotency(newFakeStore(), IdempotencyPolicy{}, nil)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	req := authedRequest(t, "potter-1", strings.NewReader(`{"name":"bowl"}`))
	req.Header.Set(IdempotencyHeader, "xyz")
	mw(handler).ServeHTTP(httptest.NewRecorder(), req)

	replay := authedRequest(t, "potter-1", strings.NewReader(`{"name":"vase"}`))
	replay.Header.Set(IdempotencyHeader, "xyz")
	resp := httptest.NewRecorder()
	mw(handler).ServeHTTP(resp, replay)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", resp.Code)
	}
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Error.Code != string(pkgerrors.CodeIdempotency) {
		t.Fatalf("expected %s got %s", pkgerrors.CodeIdempotency, payload.Error.Code)
	}
}

func TestIdempotencyReleasesKeyOnServerError(t *testing.T) {
	mw := Idempotency(newFakeStore(), IdempotencyPolicy{}, nil)
	status := http.StatusServiceUnavailable
	var calls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(status)
	})

	for i := 0; i < 2; i++ {
		req := authedRequest(t, "potter-1", strings.NewReader(`{}`))
		req.Header.Set(IdempotencyHeader, "retry-me")
		resp := httptest.NewRecorder()
		mw(handler).ServeHTTP(resp, req)
		if resp.Code != status {
			t.Fatalf("attempt %d: expected %d got %d", i, status, resp.Code)
		}
		status = http.StatusCreated
	}
	if calls != 2 {
		t.Fatalf("expected the retry to reach the handler, got %d calls", calls)
	}
}

func TestIdempotencyRejectsInFlightDuplicate(t *testing.T) {
	store := newFakeStore()
	mw := Idempotency(store, IdempotencyPolicy{}, nil)

	var inner *httptest.ResponseRecorder
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dup := authedRequest(t, "potter-1", strings.NewReader(`{}`))
		dup.Header.Set(IdempotencyHeader, "busy")
		inner = httptest.NewRecorder()
		mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Errorf("duplicate must not reach the handler")
		})).ServeHTTP(inner, dup)
		w.WriteHeader(http.StatusCreated)
	})

	req := authedRequest(t, "potter-1", strings.NewReader(`{}`))
	req.Header.Set(IdempotencyHeader, "busy")
	mw(handler).ServeHTTP(httptest.NewRecorder(), req)

	if inner == nil || inner.Code != http.StatusConflict {
		t.Fatalf("expected in-flight duplicate to get 409, got %+v", inner)
	}
}

func TestIdempotencyCapsBufferedBody(t *testing.T) {
	mw := Idempotency(newFakeStore(), IdempotencyPolicy{MaxBody: 8}, nil)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("oversized body must not reach the handler")
	})

	req := authedRequest(t, "potter-1", strings.NewReader(strings.Repeat("x", 64)))
	req.Header.Set(IdempotencyHeader, "big")
	resp := httptest.NewRecorder()
	mw(handler).ServeHTTP(resp, req)
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 got %d", resp.Code)
	}
}

func multipartBody(t *testing.T, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestHashRequestIgnoresMultipartBoundary(t *testing.T) {
	a, ctA := multipartBody(t, map[string]string{"stage": "bisque"})
	b, ctB := multipartBody(t, map[string]string{"stage": "bisque"})
	if ctA == ctB {
		t.Fatalf("expected distinct boundaries")
	}
	if hashRequest(ctA, a.Bytes()) != hashRequest(ctB, b.Bytes()) {
		t.Fatalf("expected identical multipart payloads to hash alike")
	}

	c, ctC := multipartBody(t, map[string]string{"stage": "glazed"})
	if hashRequest(ctA, a.Bytes()) == hashRequest(ctC, c.Bytes()) {
		t.Fatalf("expected different payloads to hash differently")
	}
}

// countingRenderer stores the response reduced to "id" and renders it back
// with a per-replay counter, like a body carrying a freshly signed URL.
type countingRenderer struct {
	mu      sync.Mutex
	renders int
	gone    bool
}

func (c *countingRenderer) Persist(body []byte) ([]byte, error) {
	var payload struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"id": payload.ID})
}

func (c *countingRenderer) Render(_ context.Context, _ *http.Request, persisted []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gone {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "photo not found")
	}
	c.renders++
	var stored map[string]string
	if err := json.Unmarshal(persisted, &stored); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"id": stored["id"], "url": fmt.Sprintf("signed-%d", c.renders)})
}

func TestIdempotencyRendersSuccessfulReplaysAfresh(t *testing.T) {
	store := newFakeStore()
	renderer := &countingRenderer{}
	mw := Idempotency(store, IdempotencyPolicy{Replay: renderer}, nil)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"p1","url":"signed-original"}`))
	})

	send := func() *httptest.ResponseRecorder {
		req := authedRequest(t, "potter-1", strings.NewReader(`{"name":"bowl"}`))
		req.Header.Set(IdempotencyHeader, "upload-1")
		resp := httptest.NewRecorder()
		mw(handler).ServeHTTP(resp, req)
		return resp
	}

	if resp := send(); resp.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", resp.Code)
	}
	for key, value := range store.data {
		record, err := decodeRecord(value)
		if err != nil {
			t.Fatalf("decode %s: %v", key, err)
		}
		stored, _ := base64.StdEncoding.DecodeString(record.Body)
		if string(stored) != `{"id":"p1"}` {
			t.Fatalf("record %s should hold only the id, got %s", key, stored)
		}
	}

	resp := send()
	if resp.Code != http.StatusCreated || resp.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatalf("expected replayed 201, got %d %v", resp.Code, resp.Header())
	}
	if got := resp.Body.String(); got != `{"id":"p1","url":"signed-1"}` {
		t.Fatalf("expected freshly rendered body, got %s", got)
	}

	renderer.gone = true
	resp = send()
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 once the resource is gone, got %d", resp.Code)
	}
}

func TestIdempotencyStoresErrorsVerbatimWithRenderer(t *testing.T) {
	renderer := &countingRenderer{}
	mw := Idempotency(newFakeStore(), IdempotencyPolicy{Replay: renderer}, nil)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`not json`))
	})

	for i := 0; i < 2; i++ {
		req := authedRequest(t, "potter-1", strings.NewReader(`{}`))
		req.Header.Set(IdempotencyHeader, "bad-1")
		resp := httptest.NewRecorder()
		mw(handler).ServeHTTP(resp, req)
		if resp.Code != http.StatusBadRequest || resp.Body.String() != "not json" {
			t.Fatalf("attempt %d: unexpected %d %q", i, resp.Code, resp.Body.String())
		}
	}
	if renderer.renders != 0 {
		t.Fatalf("error replays must not be rendered")
	}
}

func TestIdempotencyReleasesKeyWhenResponseCannotBeReduced(t *testing.T) {
	store := newFakeStore()
	mw := Idempotency(store, IdempotencyPolicy{Replay: &countingRenderer{}}, nil)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`<html>`))
	})

	req := authedRequest(t, "potter-1", strings.NewReader(`{}`))
	req.Header.Set(IdempotencyHeader, "html-1")
	mw(handler).ServeHTTP(httptest.NewRecorder(), req)
	if len(store.data) != 0 {
		t.Fatalf("expected key released, store holds %v", store.data)
	}
}

func TestIdempotencySpillsLargeBodiesToDisk(t *testing.T) {
	payload := bytes.Repeat([]byte("glaze"), memorySpoolLimit/4)
	mw := Idempotency(newFakeStore(), IdempotencyPolicy{MaxBody: int64(len(payload)) + 1}, nil)
	var seen int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read spooled body: %v", err)
		}
		if !bytes.Equal(body, payload) {
			t.Errorf("spooled body differs: got %d bytes", len(body))
		}
		seen = len(body)
		w.WriteHeader(http.StatusNoContent)
	})

	req := authedRequest(t, "potter-1", bytes.NewReader(payload))
	req.Header.Set(IdempotencyHeader, "large")
	resp := httptest.NewRecorder()
	mw(handler).ServeHTTP(resp, req)
	if resp.Code != http.StatusNoContent || seen != len(payload) {
		t.Fatalf("expected handler to read %d bytes, got status %d and %d bytes", len(payload), resp.Code, seen)
	}
}

func TestSpoolMovesToTempFileAndCleansUp(t *testing.T) {
	sp := &spool{}
	chunk := bytes.Repeat([]byte("k"), memorySpoolLimit/2+1)
	for i := 0; i < 2; i++ {
		if _, err := sp.Write(chunk); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if sp.file == nil {
		t.Fatalf("expected spool to move to a temp file")
	}
	name := sp.file.Name()

	rc, err := sp.reader()
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	got, _ := io.ReadAll(rc)
	if len(got) != 2*len(chunk) {
		t.Fatalf("expected %d bytes, got %d", 2*len(chunk), len(got))
	}

	sp.release()
	if _, err := os.Stat(name); !os.IsNotExist(err) {
		t.Fatalf("expected temp file removed, stat err %v", err)
	}
}

func TestStreamedHashMatchesWholeBody(t *testing.T) {
	body, ct := multipartBody(t, map[string]string{"stage": "bisque", "note": "speckled"})
	whole := hashRequest(ct, body.Bytes())

	for _, size := range []int{1, 3, 7, 64} {
		h := newRequestHasher(ct)
		data := body.Bytes()
		for len(data) > 0 {
			n := min(size, len(data))
			_, _ = h.Write(data[:n])
			data = data[n:]
		}
		if got := h.Sum(); got != whole {
			t.Fatalf("chunk size %d: streamed hash %s differs from %s", size, got, whole)
		}
	}
}
