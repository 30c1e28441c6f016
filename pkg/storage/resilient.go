package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/kilnbook/kilnbook-backend/pkg/logger"
)

const (
	opWrite  = "write"
	opDelete = "delete"
	opSign   = "sign"
	opPing   = "ping"
)

// Observer receives per-operation telemetry. *metrics.ObjectStoreMetrics
// satisfies it.
type Observer interface {
	Observe(op string, duration time.Duration, err error)
	IncRetry(op string)
}

// RetryPolicy bounds each attempt and the number of retries after the first.
type RetryPolicy struct {
	Timeout    time.Duration
	MaxRetries uint64
	Base       time.Duration
}

// Resilient decorates an ObjectStore with per-attempt timeouts, bounded
// exponential retries for writes and deletes, and telemetry.
type Resilient struct {
	next     ObjectStore
	policy   RetryPolicy
	observer Observer
	logg     *logger.Logger
}

// NewResilient wraps next. A nil observer or logger disables that concern.
func NewResilient(next ObjectStore, policy RetryPolicy, observer Observer, logg *logger.Logger) *Resilient {
	if policy.Timeout <= 0 {
		policy.Timeout = 15 * time.Second
	}
	if policy.Base <= 0 {
		policy.Base = 100 * time.Millisecond
	}
	return &Resilient{next: next, policy: policy, observer: observer, logg: logg}
}

// Unwrap returns the decorated store.
func (r *Resilient) Unwrap() ObjectStore {
	return r.next
}

func (r *Resilient) Write(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return r.withRetry(ctx, opWrite, key, func(ctx context.Context) error {
		return r.next.Write(ctx, key, data, contentType)
	})
}

func (r *Resilient) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return r.withRetry(ctx, opDelete, key, func(ctx context.Context) error {
		return r.next.Delete(ctx, key)
	})
}

func (r *Resilient) SignReadURL(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	if err := ValidateKey(key); err != nil {
		return "", time.Time{}, err
	}
	if err := ValidateTTL(ttl); err != nil {
		return "", time.Time{}, err
	}
	started := time.Now()
	attemptCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
	defer cancel()
	url, expires, err := r.next.SignReadURL(attemptCtx, key, ttl)
	r.observe(opSign, started, err)
	return url, expires, err
}

func (r *Resilient) Ping(ctx context.Context) error {
	started := time.Now()
	attemptCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
	defer cancel()
	err := r.next.Ping(attemptCtx)
	r.observe(opPing, started, err)
	return err
}

func (r *Resilient) withRetry(ctx context.Context, op, key string, fn func(context.Context) error) error {
	started := time.Now()
	backoff := retry.WithMaxRetries(r.policy.MaxRetries, retry.WithJitterPercent(10, retry.NewExponential(r.policy.Base)))

	attempt := 0
	var last error
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 && r.observer != nil {
			r.observer.IncRetry(op)
		}
		attemptCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
		defer cancel()

		err := fn(attemptCtx)
		last = err
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrNotFound), IsPermanent(err):
			return err
		case ctx.Err() != nil:
			return err
		}
		if r.logg != nil {
			logCtx := r.logg.WithFields(ctx, map[string]any{"op": op, "key": key, "attempt": attempt, "error": err.Error()})
			r.logg.Warn(logCtx, "object store attempt failed")
		}
		return retry.RetryableError(err)
	})
	if err != nil && last != nil && !errors.Is(err, last) {
		// retry.Do reports the parent context error when it gives up mid-backoff.
		err = errors.Join(err, last)
	}
	r.observe(op, started, err)
	return err
}

func (r *Resilient) observe(op string, started time.Time, err error) {
	if r.observer == nil {
		return
	}
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	r.observer.Observe(op, time.Since(started), err)
}
