// Package storage defines the object store contract used for photo blobs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when an object key does not exist.
var ErrNotFound = errors.New("storage: object not found")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ObjectStore is a path-addressed blob store with expiring read URLs.
// Implementations must be safe for concurrent use.
type ObjectStore interface {
	// Write stores data at key, replacing anything already there.
	Write(ctx context.Context, key string, data []byte, contentType string) error
	// Delete removes key. A missing key yields ErrNotFound.
	Delete(ctx context.Context, key string) error
	// SignReadURL returns a URL that grants read access to key until the
	// returned expiry.
	SignReadURL(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error)
	// Ping verifies the backing bucket is reachable.
	Ping(ctx context.Context) error
}

// ValidateKey rejects keys that every backend would refuse or misinterpret.
func ValidateKey(key string) error {
	switch {
	case strings.TrimSpace(key) == "":
		return fmt.Errorf("storage: key is required")
	case strings.HasPrefix(key, "/"):
		return fmt.Errorf("storage: key %q must be relative", key)
	case strings.Contains(key, ".."):
		return fmt.Errorf("storage: key %q must not contain '..'", key)
	case len(key) > 1024:
		return fmt.Errorf("storage: key exceeds 1024 bytes")
	}
	return nil
}

// ValidateTTL rejects non-positive signing lifetimes.
func ValidateTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("storage: ttl must be positive")
	}
	return nil
}
