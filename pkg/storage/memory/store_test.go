package memory

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/kilnbook/kilnbook-backend/pkg/storage"
)

func TestWriteDeleteLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New("secret")

	if err := s.Write(ctx, "items/a/b.jpg", []byte("jpeg"), "image/jpeg"); err != nil {
		t.Fatalf("write: %v", err)
	}
	obj, ok := s.Get("items/a/b.jpg")
	if !ok || string(obj.Data) != "jpeg" || obj.ContentType != "image/jpeg" {
		t.Fatalf("unexpected object %+v (found=%v)", obj, ok)
	}
	if err := s.Delete(ctx, "items/a/b.jpg"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "items/a/b.jpg"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	if len(s.Keys()) != 0 {
		t.Fatalf("expected empty store, got %v", s.Keys())
	}
}

func TestSignReadURLRoundTrip(t *testing.T) {
	now := time.Now()
	s := New("secret", WithClock(func() time.Time { return now }), WithBaseURL("https://blobs.test"))

	signed, expires, err := s.SignReadURL(context.Background(), "items/a/b.jpg", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !strings.HasPrefix(signed, "https://blobs.test/items/a/b.jpg?token=") {
		t.Fatalf("unexpected url %s", signed)
	}
	if expires.Before(now) || expires.After(now.Add(time.Minute)) {
		t.Fatalf("unexpected expiry %v", expires)
	}

	u, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	key, err := s.Verify(u.Query().Get("token"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if key != "items/a/b.jpg" {
		t.Fatalf("unexpected key %q", key)
	}

	other := New("other-secret", WithClock(func() time.Time { return now }))
	if _, err := other.Verify(u.Query().Get("token")); err == nil {
		t.Fatal("expected verification with a different secret to fail")
	}

	later := New("secret", WithClock(func() time.Time { return now.Add(2 * time.Minute) }))
	if _, err := later.Verify(u.Query().Get("token")); err == nil {
		t.Fatal("expected expired token to fail")
	}
}

func TestFailureInjection(t *testing.T) {
	ctx := context.Background()
	s := New("secret")
	boom := errors.New("boom")

	s.FailWrites(boom)
	if err := s.Write(ctx, "k", []byte("x"), ""); !errors.Is(err, boom) {
		t.Fatalf("expected injected write failure, got %v", err)
	}
	s.FailWrites(nil)
	if err := s.Write(ctx, "k", []byte("x"), ""); err != nil {
		t.Fatalf("write: %v", err)
	}

	s.FailDeletes(boom)
	if err := s.Delete(ctx, "k"); !errors.Is(err, boom) {
		t.Fatalf("expected injected delete failure, got %v", err)
	}
	if !s.Has("k") {
		t.Fatal("failed delete must keep the object")
	}
}

func TestRejectsInvalidInput(t *testing.T) {
	s := New("secret")
	if err := s.Write(context.Background(), "../escape", nil, ""); err == nil {
		t.Fatal("expected invalid key error")
	}
	if _, _, err := s.SignReadURL(context.Background(), "k", 0); err == nil {
		t.Fatal("expected invalid ttl error")
	}
}
