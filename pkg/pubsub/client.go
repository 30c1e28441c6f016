package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kilnbook/kilnbook-backend/pkg/config"
	"github.com/kilnbook/kilnbook-backend/pkg/logger"
)

var (
	errProjectIDRequired    = errors.New("gcp project id is required")
	errSubscriptionRequired = errors.New("blob deletion subscription is required")
	errNotInitialized       = errors.New("pubsub client not initialized")
)

// Client owns the Pub/Sub connection that carries object store deletion
// notifications.
type Client struct {
	client    *pubsub.Client
	projectID string
	cfg       config.PubSubConfig
}

// NewClient connects and verifies the blob deletion subscription exists and
// reads the configured topic.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.PubSubConfig, logg *logger.Logger) (*Client, error) {
	if strings.TrimSpace(gcp.ProjectID) == "" {
		return nil, errProjectIDRequired
	}
	if strings.TrimSpace(cfg.BlobDeletionSubscription) == "" {
		return nil, errSubscriptionRequired
	}

	psClient, err := pubsub.NewClient(ctx, gcp.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	c := &Client{client: psClient, projectID: gcp.ProjectID, cfg: cfg}

	if err := c.checkSubscription(ctx); err != nil {
		_ = psClient.Close()
		return nil, err
	}
	if logg != nil {
		logg.Info(logg.WithField(ctx, "subscription", c.subscriptionName()), "pubsub client initialized")
	}
	return c, nil
}

func (c *Client) subscriptionName() string {
	return resourceName(c.projectID, "subscriptions", c.cfg.BlobDeletionSubscription)
}

func (c *Client) checkSubscription(ctx context.Context) error {
	name := c.subscriptionName()
	if name == "" {
		return errSubscriptionRequired
	}
	sub, err := c.client.SubscriptionAdminClient.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{Subscription: name})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("subscription %q does not exist", name)
		}
		return fmt.Errorf("checking subscription %q: %w", name, err)
	}
	return topicMatches(c.projectID, c.cfg.BlobDeletionTopic, sub.GetTopic())
}

// topicMatches accepts any topic when none is configured.
func topicMatches(projectID, want, got string) error {
	if strings.TrimSpace(want) == "" {
		return nil
	}
	expected := resourceName(projectID, "topics", want)
	if expected != got {
		return fmt.Errorf("subscription reads topic %q, expected %q", got, expected)
	}
	return nil
}

// BlobDeletionSubscriber returns the receiver for deletion notifications with
// the configured flow control applied.
func (c *Client) BlobDeletionSubscriber() *pubsub.Subscriber {
	if c == nil || c.client == nil {
		return nil
	}
	name := c.subscriptionName()
	if name == "" {
		return nil
	}
	sub := c.client.Subscriber(name)
	applyReceiveSettings(&sub.ReceiveSettings, c.cfg)
	return sub
}

func applyReceiveSettings(rs *pubsub.ReceiveSettings, cfg config.PubSubConfig) {
	if cfg.MaxOutstandingMessages > 0 {
		rs.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	}
	if cfg.ReceiveGoroutines > 0 {
		rs.NumGoroutines = cfg.ReceiveGoroutines
	}
}

// Ping re-checks the subscription.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errNotInitialized
	}
	return c.checkSubscription(ctx)
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// resourceName expands a bare ID into projects/{project}/{kind}/{id} and
// passes full resource names through.
func resourceName(projectID, kind, name string) string {
	n := strings.TrimSpace(name)
	if n == "" {
		return ""
	}
	if strings.HasPrefix(n, "projects/") && strings.Contains(n, "/"+kind+"/") {
		return n
	}
	p := strings.TrimSpace(projectID)
	if p == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/%s/%s", p, kind, n)
}
