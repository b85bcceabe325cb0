package webhooks

import (
	"context"
	"net/http"

	"github.com/angelmondragon/ringorder-backend/api/responses"
	"github.com/angelmondragon/ringorder-backend/api/validators"
	"github.com/angelmondragon/ringorder-backend/internal/payments"
	pkgerrors "github.com/angelmondragon/ringorder-backend/pkg/errors"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
)

type PaymentConfirmer interface {
	Confirm(ctx context.Context, reference string, paid bool) (*payments.Result, error)
}

type paymentEventRequest struct {
	EventID   string `json:"event_id" validate:"required,max=255"`
	Reference string `json:"reference" validate:"required,max=255"`
	Status    string `json:"status" validate:"required,oneof=paid failed"`
}

// PaymentEvent accepts provider-neutral confirmations keyed by the verifier
// reference. Unknown references are acknowledged so the sender stops retrying.
func PaymentEvent(confirmer PaymentConfirmer, guard eventGuard, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if confirmer == nil {
			unavailable(w, r, logg, "payment confirmer")
			return
		}
		if guard == nil {
			unavailable(w, r, logg, "idempotency guard")
			return
		}

		var req paymentEventRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		eventID := validators.SanitizeString(req.EventID, 255)

		deliverOnce(w, r, guard, logg, eventID, func(ctx context.Context) (any, error) {
			result, err := confirmer.Confirm(ctx, req.Reference, req.Status == "paid")
			if pkgerrors.HasCode(err, pkgerrors.CodeNotFound) {
				if logg != nil {
					logg.Warn(logg.WithField(ctx, "payment_reference", req.Reference), "payment event for unknown reference")
				}
				return map[string]any{"duplicate": false, "matched": false}, nil
			}
			if err != nil {
				return nil, err
			}
			return result, nil
		})
	}
}
