package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/angelmondragon/ringorder-backend/api/responses"
	squarewebhook "github.com/angelmondragon/ringorder-backend/internal/webhooks/square"
	pkgerrors "github.com/angelmondragon/ringorder-backend/pkg/errors"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
	pkgsquare "github.com/angelmondragon/ringorder-backend/pkg/square"
)

type SquareWebhookService interface {
	HandleEvent(ctx context.Context, event *squarewebhook.SquareWebhookEvent) error
}

type squareVerifier interface {
	Configured() bool
	Verify(payload []byte, signature string) bool
}

// SquareWebhook handles signed Square payment events.
func SquareWebhook(svc SquareWebhookService, verifier squareVerifier, guard eventGuard, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		switch {
		case svc == nil:
			unavailable(w, r, logg, "webhook service")
			return
		case verifier == nil || !verifier.Configured():
			unavailable(w, r, logg, "square signature key")
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
		signature := r.Header.Get(pkgsquare.SignatureHeader)
		if signature == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "square signature missing"))
			return
		}
		if !verifier.Verify(payload, signature) {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid square signature"))
			return
		}

		var event squarewebhook.SquareWebhookEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode event"))
			return
		}
		eventID := strings.TrimSpace(event.EventID)
		if eventID == "" {
			eventID = event.Data.ID
		}
		if eventID == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "square event id missing"))
			return
		}

		deliverOnce(w, r, guard, logg, eventID, func(ctx context.Context) (any, error) {
			if err := svc.HandleEvent(ctx, &event); err != nil {
				return nil, err
			}
			if logg != nil {
				ctx = logg.WithFields(ctx, map[string]any{"event_id": eventID, "event_type": event.Type})
				logg.Info(ctx, "square event processed")
			}
			return nil, nil
		})
	}
}
