package middleware

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kilnbook/kilnbook-backend/api/responses"
	pkgerrors "github.com/kilnbook/kilnbook-backend/pkg/errors"
	"github.com/kilnbook/kilnbook-backend/pkg/logger"
	pkgredis "github.com/kilnbook/kilnbook-backend/pkg/redis"
)

const (
	IdempotencyHeader = "Idempotency-Key"

	defaultIdempotencyTTL = 24 * time.Hour
	inFlightTTL           = 2 * time.Minute
	maxIdempotencyKeyLen  = 255
	statusInFlight        = -1
)

// IdempotencyPolicy configures one keyed route.
type IdempotencyPolicy struct {
	// TTL is how long a finished response is replayed.
	TTL time.Duration
	// MaxBody caps how much of the request is buffered for hashing.
	MaxBody int64
	// Replay, when set, controls what a successful response stores and how
	// it is rebuilt on replay. Error responses are stored verbatim.
	Replay ReplayRenderer
}

// ReplayRenderer keeps short-lived response fields out of the stored record.
type ReplayRenderer interface {
	// Persist reduces a successful response body to what may be stored.
	Persist(body []byte) ([]byte, error)
	// Render rebuilds the client body from a persisted one.
	Render(ctx context.Context, r *http.Request, persisted []byte) ([]byte, error)
}

type idempotencyRecord struct {
	Status      int               `json:"status"`
	Body        string            `json:"body,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	RequestHash string            `json:"request_hash"`
}

// Idempotency requires an Idempotency-Key header and replays the first
// response for the same subject, route and key. Reusing a key with a
// different body is rejected. A request still running under the key is
// reported as a conflict. Server errors are not stored so the caller may
// retry.
func Idempotency(store pkgredis.IdempotencyStore, policy IdempotencyPolicy, logg *logger.Logger) func(http.Handler) http.Handler {
	if policy.TTL <= 0 {
		policy.TTL = defaultIdempotencyTTL
	}
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			idempotencyKey := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
			if idempotencyKey == "" {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header required"))
				return
			}
			if len(idempotencyKey) > maxIdempotencyKeyLen {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header too long"))
				return
			}

			spooled, requestHash, err := spoolRequest(w, r, policy.MaxBody)
			if err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
			defer spooled.release()

			key := store.IdempotencyKey(buildScope(r), idempotencyKey)
			if logg != nil {
				ctx = logg.WithField(ctx, "idempotency_key", idempotencyKey)
			}

			if replayed := replay(ctx, store, key, requestHash, policy.Replay, w, r, logg); replayed {
				return
			}

			marker, _ := json.Marshal(idempotencyRecord{Status: statusInFlight, RequestHash: requestHash})
			claimed, err := store.SetNX(ctx, key, string(marker), inFlightTTL)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim idempotency key"))
				return
			}
			if !claimed {
				// lost a race with an identical request
				if !replay(ctx, store, key, requestHash, policy.Replay, w, r, logg) {
					responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "request with this idempotency key is in progress"))
				}
				return
			}

			rec := &responseCapture{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			// the handler may have been cut short by the client; persist anyway
			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()

			status := defaultStatus(rec.status)
			if status >= http.StatusInternalServerError {
				if delErr := store.Del(saveCtx, key); delErr != nil {
					logError(saveCtx, logg, "release idempotency key", delErr)
				}
				return
			}

			body := rec.body.Bytes()
			if policy.Replay != nil && status < http.StatusMultipleChoices {
				persisted, persistErr := policy.Replay.Persist(body)
				if persistErr != nil {
					logError(saveCtx, logg, "reduce idempotent response", persistErr)
					if delErr := store.Del(saveCtx, key); delErr != nil {
						logError(saveCtx, logg, "release idempotency key", delErr)
					}
					return
				}
				body = persisted
			}

			record := idempotencyRecord{
				Status:      status,
				Body:        base64.StdEncoding.EncodeToString(body),
				RequestHash: requestHash,
			}
			if ct := rec.Header().Get("Content-Type"); ct != "" {
				record.Headers = map[string]string{"Content-Type": ct}
			}

			payload, marshalErr := json.Marshal(record)
			if marshalErr != nil {
				logError(saveCtx, logg, "marshal idempotency record", marshalErr)
				return
			}
			if setErr := store.Set(saveCtx, key, string(payload), policy.TTL); setErr != nil {
				logError(saveCtx, logg, "persist idempotency record", setErr)
			}
		})
	}
}

// replay writes the stored outcome for key, if any, and reports whether the
// request was answered.
func replay(ctx context.Context, store pkgredis.IdempotencyStore, key, requestHash string, renderer ReplayRenderer, w http.ResponseWriter, r *http.Request, logg *logger.Logger) bool {
	stored, err := store.Get(ctx, key)
	if err != nil && !errors.Is(err, redis.Nil) {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency"))
		return true
	}
	if stored == "" {
		return false
	}
	record, err := decodeRecord(stored)
	if err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode idempotency record"))
		return true
	}
	if record.RequestHash != requestHash {
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with different request body"))
		return true
	}
	if record.Status == statusInFlight {
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "request with this idempotency key is in progress"))
		return true
	}
	body, err := base64.StdEncoding.DecodeString(record.Body)
	if err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode idempotency record"))
		return true
	}
	if renderer != nil && record.Status < http.StatusMultipleChoices {
		if body, err = renderer.Render(ctx, r, body); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return true
		}
	}
	if logg != nil {
		logg.Info(ctx, "idempotency.replay")
	}
	writeStoredResponse(w, record, body)
	return true
}

func buildScope(r *http.Request) string {
	parts := []string{
		SubjectID(r.Context()),
		r.Method,
		r.URL.Path,
	}
	return strings.Join(parts, "|")
}

func decodeRecord(payload string) (*idempotencyRecord, error) {
	var record idempotencyRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func writeStoredResponse(w http.ResponseWriter, record *idempotencyRecord, body []byte) {
	if ct, ok := record.Headers["Content-Type"]; ok && ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(record.Status)
	_, _ = w.Write(body)
}

func defaultStatus(value int) int {
	if value == 0 {
		return http.StatusOK
	}
	return value
}

type responseCapture struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (r *responseCapture) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseCapture) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func logError(ctx context.Context, logg *logger.Logger, msg string, err error) {
	if logg == nil || err == nil {
		return
	}
	logg.Error(ctx, msg, err)
}
