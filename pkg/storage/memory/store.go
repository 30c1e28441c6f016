// Package memory is an in-process storage.ObjectStore for local development
// and tests. Read URLs carry an HS256 token that Verify can check.
package memory

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kilnbook/kilnbook-backend/pkg/storage"
)

// Object is a stored blob.
type Object struct {
	Data        []byte
	ContentType string
}

// Store keeps blobs in a map. The zero value is not usable; call New.
type Store struct {
	mu      sync.RWMutex
	objects map[string]Object
	secret  []byte
	baseURL string
	now     func() time.Time

	failWrites  error
	failDeletes error
	writeHook   func(key string)
}

var _ storage.ObjectStore = (*Store)(nil)

type Option func(*Store)

// WithClock overrides the signing clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithBaseURL sets the prefix of signed read URLs.
func WithBaseURL(base string) Option {
	return func(s *Store) { s.baseURL = base }
}

func New(secret string, opts ...Option) *Store {
	s := &Store{
		objects: map[string]Object{},
		secret:  []byte(secret),
		baseURL: "http://localhost/blobs",
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Write(ctx context.Context, key string, data []byte, contentType string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.failWrites != nil {
		err := s.failWrites
		s.mu.Unlock()
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.objects[key] = Object{Data: buf, ContentType: contentType}
	hook := s.writeHook
	s.mu.Unlock()

	if hook != nil {
		hook(key)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDeletes != nil {
		return s.failDeletes
	}
	if _, ok := s.objects[key]; !ok {
		return storage.ErrNotFound
	}
	delete(s.objects, key)
	return nil
}

type readClaims struct {
	Key string `json:"key"`
	jwt.RegisteredClaims
}

func (s *Store) SignReadURL(_ context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	if err := storage.ValidateKey(key); err != nil {
		return "", time.Time{}, err
	}
	if err := storage.ValidateTTL(ttl); err != nil {
		return "", time.Time{}, err
	}
	now := s.now()
	expires := now.Add(ttl).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, readClaims{
		Key: key,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing read url: %w", err)
	}
	return s.baseURL + "/" + key + "?token=" + url.QueryEscape(token), expires, nil
}

// Verify checks a token minted by SignReadURL and returns the object key it
// grants access to.
func (s *Store) Verify(token string) (string, error) {
	var claims readClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", err
	}
	if claims.Key == "" {
		return "", errors.New("memory: token has no key")
	}
	return claims.Key, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Get returns a stored object.
func (s *Store) Get(key string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	return obj, ok
}

// Has reports whether key is stored.
func (s *Store) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Keys lists stored keys in lexical order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FailWrites makes every Write return err until called again with nil.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = err
}

// FailDeletes makes every Delete return err until called again with nil.
func (s *Store) FailDeletes(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDeletes = err
}

// OnWrite registers a hook that runs after each successful Write.
func (s *Store) OnWrite(fn func(key string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeHook = fn
}
