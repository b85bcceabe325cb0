package webhooks

import (
	"context"
	"net/http"

	"github.com/angelmondragon/ringorder-backend/api/responses"
	pkgerrors "github.com/angelmondragon/ringorder-backend/pkg/errors"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
)

type eventGuard interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
	Delete(ctx context.Context, eventID string) error
}

// deliverOnce runs handle at most once per event id. A failed handler
// releases the id so the provider's retry is processed.
func deliverOnce(w http.ResponseWriter, r *http.Request, guard eventGuard, logg *logger.Logger, eventID string, handle func(context.Context) (any, error)) {
	ctx := r.Context()
	seen, err := guard.CheckAndMark(ctx, eventID)
	if err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency"))
		return
	}
	if seen {
		responses.WriteSuccess(w, map[string]any{"duplicate": true})
		return
	}

	body, err := handle(ctx)
	if err != nil {
		if relErr := guard.Delete(ctx, eventID); relErr != nil && logg != nil {
			logg.Error(logg.WithField(ctx, "event_id", eventID), "release webhook event", relErr)
		}
		responses.WriteError(ctx, logg, w, err)
		return
	}
	if body == nil {
		body = map[string]any{"duplicate": false}
	}
	responses.WriteSuccess(w, body)
}

func unavailable(w http.ResponseWriter, r *http.Request, logg *logger.Logger, what string) {
	responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, what+" unavailable"))
}
