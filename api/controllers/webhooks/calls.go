package webhooks

import (
	"context"
	"errors"
	"net/http"

	"github.com/angelmondragon/ringorder-backend/api/responses"
	"github.com/angelmondragon/ringorder-backend/api/validators"
	"github.com/angelmondragon/ringorder-backend/internal/calls"
	"github.com/angelmondragon/ringorder-backend/internal/ledger"
	pkgerrors "github.com/angelmondragon/ringorder-backend/pkg/errors"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
)

type CallRecorder interface {
	Record(ctx context.Context, input calls.RecordInput) (*calls.RecordResult, error)
}

// CallCompleted appends a finished call to the calls ledger. A replayed call
// id answers 200 with duplicate set; a new record answers 201.
func CallCompleted(svc CallRecorder, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "call service unavailable"))
			return
		}

		var input calls.RecordInput
		if err := validators.DecodeJSON(r, &input); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, err := svc.Record(ctx, input)
		if err != nil {
			responses.WriteError(ctx, logg, w, mapLedgerError(err, "record call"))
			return
		}
		if result.Duplicate {
			responses.WriteSuccess(w, result)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, result)
	}
}

// mapLedgerError keeps typed errors and turns a lock timeout into a
// retryable 503.
func mapLedgerError(err error, msg string) error {
	if pkgerrors.As(err) != nil {
		return err
	}
	if errors.Is(err, ledger.ErrLockTimeout) {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "ledger busy, retry later").
			WithDetails(map[string]any{"reason": "lock_timeout"})
	}
	return pkgerrors.Wrap(pkgerrors.CodeInternal, err, msg)
}
