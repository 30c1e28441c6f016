// Package consumer reconciles photo records with object store deletion
// notifications delivered over Pub/Sub.
package consumer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/kilnbook/kilnbook-backend/pkg/db"
	"github.com/kilnbook/kilnbook-backend/pkg/logger"
)

const (
	objectDeleteEvent    = "OBJECT_DELETE"
	payloadFormatJSONAPI = "JSON_API_V1"
	overwrittenAttribute = "overwrittenByGeneration"
)

type blobForgetter interface {
	ForgetMissingBlob(ctx context.Context, storagePath string) error
}

type receiver interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

// DeletionConsumer drops photo records whose blob was deleted out of band.
type DeletionConsumer struct {
	photos       blobForgetter
	subscription receiver
	bucket       string
	logg         *logger.Logger
}

// NewDeletionConsumer wires the photo service to the deletion subscription.
// When bucket is set, notifications for other buckets are ignored.
func NewDeletionConsumer(photos blobForgetter, subscription *pubsub.Subscriber, bucket string, logg *logger.Logger) (*DeletionConsumer, error) {
	if photos == nil {
		return nil, errors.New("photo service is required")
	}
	if subscription == nil {
		return nil, errors.New("media deletion subscription is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &DeletionConsumer{
		photos:       photos,
		subscription: subscription,
		bucket:       bucket,
		logg:         logg,
	}, nil
}

// Run processes deletion notifications until the context is canceled.
func (c *DeletionConsumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if c.process(ctx, msg).nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	ack  bool
	nack bool
}

func (c *DeletionConsumer) process(ctx context.Context, msg *pubsub.Message) processResult {
	attrs := parseAttributes(msg.Attributes)
	logCtx := c.logg.WithFields(ctx, buildLogFields(msg.ID, attrs, nil))

	if attrs.EventType != objectDeleteEvent {
		c.logg.Debug(logCtx, "skipping non-delete event")
		return processResult{ack: true}
	}
	if attrs.OverwrittenBy != "" {
		c.logg.Debug(logCtx, "skipping delete caused by overwrite")
		return processResult{ack: true}
	}
	if attrs.PayloadFormat != payloadFormatJSONAPI {
		c.logg.Warn(logCtx, "unsupported payload format")
		return processResult{ack: true}
	}

	payload, err := decodePayload(msg.Data)
	if err != nil {
		c.logg.Error(logCtx, "failed to decode payload", err)
		return processResult{ack: true}
	}

	var object gcsPayload
	if err := json.Unmarshal(payload, &object); err != nil {
		fields := buildLogFields(msg.ID, attrs, nil)
		fields["payload_preview"] = previewBytes(payload, 800)
		fields["payload_len"] = len(payload)
		c.logg.Error(c.logg.WithFields(ctx, fields), "failed to unmarshal payload", err)
		return processResult{ack: true}
	}

	logCtx = c.logg.WithFields(ctx, buildLogFields(msg.ID, attrs, &object))
	if strings.TrimSpace(object.Name) == "" {
		c.logg.Error(logCtx, "payload missing object name", fmt.Errorf("empty name"))
		return processResult{ack: true}
	}
	if bucket := firstNonEmpty(attrs.BucketID, object.Bucket); c.bucket != "" && bucket != "" && bucket != c.bucket {
		c.logg.Debug(logCtx, "skipping event for another bucket")
		return processResult{ack: true}
	}

	if err := c.photos.ForgetMissingBlob(logCtx, object.Name); err != nil {
		c.logg.Error(logCtx, "photo reconciliation failed", err)
		if isTransient(err) {
			return processResult{nack: true}
		}
		return processResult{ack: true}
	}
	c.logg.Debug(logCtx, "processed object deletion event")
	return processResult{ack: true}
}

func isTransient(err error) bool {
	return errors.Is(err, context.Canceled) || db.IsTransient(err)
}

func buildLogFields(messageID string, attrs gcsAttributes, payload *gcsPayload) map[string]any {
	fields := map[string]any{
		"message_id": messageID,
		"event_type": attrs.EventType,
		"bucket":     firstNonEmpty(attrs.BucketID, gcsBucket(payload)),
	}
	if payload != nil {
		fields["storage_path"] = payload.Name
	}
	return fields
}

func gcsBucket(p *gcsPayload) string {
	if p == nil {
		return ""
	}
	return p.Bucket
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

type gcsAttributes struct {
	EventType     string
	BucketID      string
	ObjectID      string
	PayloadFormat string
	OverwrittenBy string
}

func parseAttributes(attrs map[string]string) gcsAttributes {
	return gcsAttributes{
		EventType:     attrs["eventType"],
		BucketID:      attrs["bucketId"],
		ObjectID:      attrs["objectId"],
		PayloadFormat: attrs["payloadFormat"],
		OverwrittenBy: attrs[overwrittenAttribute],
	}
}

type gcsPayload struct {
	Name       string `json:"name"`
	Bucket     string `json:"bucket"`
	Generation string `json:"generation"`
}

func decodePayload(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("payload empty")
	}
	if decoded, err := base64.StdEncoding.DecodeString(string(data)); err == nil {
		return decoded, nil
	}
	return data, nil
}

func previewBytes(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "...(truncated)"
}
