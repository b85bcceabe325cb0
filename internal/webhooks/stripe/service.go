package stripewebhook

import (
	"context"
	"encoding/json"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/ringorder-backend/internal/payments"
	pkgerrors "github.com/angelmondragon/ringorder-backend/pkg/errors"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
	pkgstripe "github.com/angelmondragon/ringorder-backend/pkg/stripe"
)

type confirmer interface {
	Confirm(ctx context.Context, reference string, paid bool) (*payments.Result, error)
}

type ServiceParams struct {
	Confirmer confirmer
	Logger    *logger.Logger
}

// Service maps Stripe PaymentIntent events onto order payment confirmations.
type Service struct {
	confirmer confirmer
	logg      *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Confirmer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payment confirmer required")
	}
	if params.Logger == nil {
		params.Logger = logger.Nop()
	}
	return &Service{confirmer: params.Confirmer, logg: params.Logger}, nil
}

func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil || event.Data == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}

	var paid bool
	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded, stripe.EventTypePaymentIntentAmountCapturableUpdated:
		paid = true
	case stripe.EventTypePaymentIntentPaymentFailed, stripe.EventTypePaymentIntentCanceled:
		paid = false
	default:
		return nil
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode payment intent event")
	}
	if intent.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment intent id missing")
	}

	_, err := s.confirmer.Confirm(ctx, intent.ID, paid)
	if pkgerrors.HasCode(err, pkgerrors.CodeNotFound) {
		logCtx := s.logg.WithField(ctx, "payment_intent", intent.ID)
		if orderID := intent.Metadata[pkgstripe.MetadataOrderID]; orderID != "" {
			// The worker records the intent id only after Create returns, so
			// the event can land first. A retryable error makes Stripe resend.
			s.logg.Warn(s.logg.WithField(logCtx, "order_id", orderID), "stripe event arrived before its payment reference was recorded")
			return pkgerrors.New(pkgerrors.CodeDependency, "payment reference not recorded yet").WithDetail("order_id", orderID)
		}
		// Intents created outside the ordering flow share the account.
		s.logg.Warn(logCtx, "stripe event for unknown payment intent")
		return nil
	}
	return err
}
