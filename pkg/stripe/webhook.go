package stripe

import (
	"errors"
	"strings"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"
)

// SignatureHeader carries the Stripe webhook signature.
const SignatureHeader = "Stripe-Signature"

var ErrNoWebhookSecret = errors.New("stripe webhook secret is not configured")

// WebhookVerifier checks Stripe-Signature against the endpoint secret.
type WebhookVerifier struct {
	secret string
}

func NewWebhookVerifier(secret string) WebhookVerifier {
	return WebhookVerifier{secret: strings.TrimSpace(secret)}
}

func (v WebhookVerifier) Configured() bool { return v.secret != "" }

// ConstructEvent verifies the signature and decodes the event. Events from a
// different API version are accepted; handlers only read the intent id,
// status and metadata.
func (v WebhookVerifier) ConstructEvent(payload []byte, header string) (stripe.Event, error) {
	if v.secret == "" {
		return stripe.Event{}, ErrNoWebhookSecret
	}
	return webhook.ConstructEventWithOptions(payload, header, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}
