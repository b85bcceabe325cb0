// Package stripe configures the Stripe API client and verifies webhooks.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/ringorder-backend/pkg/config"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
)

// keyPrefixes lists the secret and restricted key prefixes allowed per mode.
var keyPrefixes = map[string][]string{
	"test": {"sk_test_", "rk_test_"},
	"live": {"sk_live_", "rk_live_"},
}

type Client struct {
	api     *stripe.Client
	env     string
	webhook WebhookVerifier
}

// NewClient refuses a key that does not belong to the configured mode, so a
// test deployment cannot charge real cards.
func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	env := strings.ToLower(strings.TrimSpace(cfg.Environment()))
	if env == "" {
		env = "test"
	}
	prefixes, ok := keyPrefixes[env]
	if !ok {
		return nil, fmt.Errorf("stripe environment must be test or live, got %q", env)
	}
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errors.New("stripe api key is required")
	}
	if !hasAnyPrefix(key, prefixes) {
		return nil, fmt.Errorf("stripe %s mode needs a key starting with %s", env, strings.Join(prefixes, " or "))
	}
	if logg != nil {
		logg.Info(logg.WithField(ctx, "stripe_env", env), "stripe client initialized")
	}
	return &Client{
		api:     stripe.NewClient(key),
		env:     env,
		webhook: NewWebhookVerifier(cfg.WebhookSecret),
	}, nil
}

func (c *Client) API() *stripe.Client {
	if c == nil {
		return nil
	}
	return c.api
}

func (c *Client) Environment() string { return c.env }

func (c *Client) ConstructEvent(payload []byte, header string) (stripe.Event, error) {
	return c.webhook.ConstructEvent(payload, header)
}

// MetadataOrderID is the PaymentIntent metadata key naming the order.
const MetadataOrderID = "order_id"

// IdempotencyKey is shared by every charge attempt for one order, so a retry
// never creates a second PaymentIntent.
func IdempotencyKey(orderID string) string {
	return "order-" + strings.TrimSpace(orderID)
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
