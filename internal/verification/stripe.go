package verification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
	pkgstripe "github.com/angelmondragon/ringorder-backend/pkg/stripe"
)

type paymentIntentCreator interface {
	Create(ctx context.Context, params *stripe.PaymentIntentCreateParams) (*stripe.PaymentIntent, error)
}

// StripePayment creates and confirms one PaymentIntent per order. The order
// id is the idempotency key, so retries never double charge.
type StripePayment struct {
	intents  paymentIntentCreator
	currency string
}

func NewStripePayment(client *pkgstripe.Client, currency string) (*StripePayment, error) {
	if client == nil || client.API() == nil {
		return nil, errors.New("stripe client is required")
	}
	return newStripePayment(client.API().V1PaymentIntents, currency), nil
}

func newStripePayment(intents paymentIntentCreator, currency string) *StripePayment {
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &StripePayment{intents: intents, currency: currency}
}

func (s *StripePayment) Charge(ctx context.Context, order *models.Order) (ChargeResult, error) {
	params := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(order.TotalCents),
		Currency: stripe.String(s.currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
		Metadata: map[string]string{
			pkgstripe.MetadataOrderID: order.ID.String(),
			"kind":                    string(order.Kind),
		},
	}
	if order.PaymentSource != nil && strings.TrimSpace(*order.PaymentSource) != "" {
		params.PaymentMethod = stripe.String(strings.TrimSpace(*order.PaymentSource))
		params.Confirm = stripe.Bool(true)
	}
	if order.CustomerEmail != nil {
		params.ReceiptEmail = stripe.String(*order.CustomerEmail)
	}
	params.SetIdempotencyKey(pkgstripe.IdempotencyKey(order.ID.String()))

	intent, err := s.intents.Create(ctx, params)
	if err != nil {
		return ChargeResult{}, classifyStripeError(ctx, err)
	}

	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusRequiresCapture:
		return ChargeResult{Approved: true, Reference: intent.ID}, nil
	case stripe.PaymentIntentStatusCanceled:
		return ChargeResult{}, &DeclinedError{Code: "canceled", Message: "payment intent canceled"}
	default:
		// processing, requires_action, requires_payment_method, requires_confirmation
		return ChargeResult{Approved: false, Reference: intent.ID}, nil
	}
}

func classifyStripeError(ctx context.Context, err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return fmt.Errorf("%w: stripe: %v", ErrTimeout, timeoutOr(ctx, err))
	}
	switch {
	case stripeErr.Type == stripe.ErrorTypeCard:
		code := string(stripeErr.Code)
		if stripeErr.DeclineCode != "" {
			code = string(stripeErr.DeclineCode)
		}
		return &DeclinedError{Code: code, Message: stripeErr.Msg}
	case stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
		stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.Type == stripe.ErrorTypeAPI,
		stripeErr.Type == stripe.ErrorTypeIdempotency:
		return fmt.Errorf("%w: stripe %s: %s", ErrTimeout, stripeErr.Type, stripeErr.Msg)
	default:
		return &DeclinedError{Code: string(stripeErr.Type), Message: stripeErr.Msg}
	}
}
