package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/ringorder-backend/api/responses"
	pkgerrors "github.com/angelmondragon/ringorder-backend/pkg/errors"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
	pkgstripe "github.com/angelmondragon/ringorder-backend/pkg/stripe"
)

type StripeWebhookService interface {
	HandleEvent(ctx context.Context, event *stripe.Event) error
}

type stripeVerifier interface {
	Configured() bool
	ConstructEvent(payload []byte, header string) (stripe.Event, error)
}

// StripeWebhook handles signed Stripe payment_intent events.
func StripeWebhook(svc StripeWebhookService, verifier stripeVerifier, guard eventGuard, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		switch {
		case svc == nil:
			unavailable(w, r, logg, "webhook service")
			return
		case verifier == nil || !verifier.Configured():
			unavailable(w, r, logg, "stripe signing secret")
			return
		case guard == nil:
			unavailable(w, r, logg, "idempotency guard")
			return
		}

		payload, err := io.ReadAll(r.Body)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}
		header := r.Header.Get(pkgstripe.SignatureHeader)
		if header == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "stripe signature missing"))
			return
		}
		event, err := verifier.ConstructEvent(payload, header)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid stripe signature"))
			return
		}

		deliverOnce(w, r, guard, logg, event.ID, func(ctx context.Context) (any, error) {
			if err := svc.HandleEvent(ctx, &event); err != nil {
				return nil, err
			}
			if logg != nil {
				ctx = logg.WithFields(ctx, map[string]any{"event_id": event.ID, "event_type": string(event.Type)})
				logg.Info(ctx, "stripe event processed")
			}
			return nil, nil
		})
	}
}
