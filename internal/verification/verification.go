// Package verification abstracts the address and payment checks an order
// passes before it is finalized. Backends are either deterministic simulators
// or live provider clients; the pipeline sees only the interfaces below.
package verification

import (
	"context"
	"errors"
	"fmt"

	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
)

// ErrTimeout reports a verification call that did not complete in time or
// failed for a transient reason. Callers retry it.
var ErrTimeout = errors.New("verification: timed out")

// DeclinedError is a business rejection by the payment provider. It is never
// retried.
type DeclinedError struct {
	Code    string
	Message string
}

func (e *DeclinedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("payment declined: %s", e.Code)
	}
	return fmt.Sprintf("payment declined: %s: %s", e.Code, e.Message)
}

// AsDeclined returns the DeclinedError carried by err, if any.
func AsDeclined(err error) (*DeclinedError, bool) {
	var declined *DeclinedError
	if errors.As(err, &declined) {
		return declined, true
	}
	return nil, false
}

// ChargeResult describes an accepted charge. Approved=false means the
// provider took the charge but settles it later through its webhook.
type ChargeResult struct {
	Approved  bool
	Reference string
}

// AddressResult tells whether an address is deliverable and how it reads
// once normalized.
type AddressResult struct {
	InZone     bool
	Normalized models.Address
}

type PaymentVerifier interface {
	Charge(ctx context.Context, order *models.Order) (ChargeResult, error)
}

type AddressVerifier interface {
	Validate(ctx context.Context, addr models.Address) (AddressResult, error)
}

// timeoutOr maps context expiry to ErrTimeout and returns other errors as is.
func timeoutOr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
