package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
)

var (
	// ErrNotFound is returned when no order matches the lookup.
	ErrNotFound = errors.New("order not found")
	// ErrStateConflict is returned when a guarded update matched no row: the
	// order moved on, or the claim is held elsewhere.
	ErrStateConflict = errors.New("order state conflict")
	// ErrIllegalTransition flags an update that would move fulfillment backwards.
	ErrIllegalTransition = errors.New("illegal fulfillment transition")
)

// Repository persists orders. Every mutation goes through Update so the
// guard is evaluated atomically with the write.
type Repository interface {
	Create(ctx context.Context, order *models.Order) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindByPaymentReference(ctx context.Context, reference string) (*models.Order, error)
	Update(ctx context.Context, id uuid.UUID, guard Guard, change Change) (*models.Order, error)
	ListByStatus(ctx context.Context, status enums.FulfillmentStatus, updatedBefore time.Time, limit int) ([]models.Order, error)
	// ListUndispatched returns finalized orders finalized before the cutoff
	// that the kitchen has not received yet, oldest first.
	ListUndispatched(ctx context.Context, finalizedBefore time.Time, limit int) ([]models.Order, error)
}

// Claimable requires the order claim to be free, expired at Now, or already
// held by Owner.
type Claimable struct {
	Owner string
	Now   time.Time
}

// Guard lists the preconditions of an Update. Zero fields are not checked.
type Guard struct {
	Statuses        []enums.FulfillmentStatus
	PaymentStatuses []enums.PaymentStatus
	HeldBy          string
	Claimable       *Claimable
	AttemptsAtMost  *int
	Undispatched    bool
}

// Change lists the columns an Update writes. Nil fields are left alone.
type Change struct {
	FulfillmentStatus *enums.FulfillmentStatus
	PaymentStatus     *enums.PaymentStatus
	PaymentReference  *string
	FailureReason     *enums.FailureReason
	LastRetryReason   *enums.RetryReason
	NormalizedAddress *models.Address
	Attempts          *int
	ClaimOwner        string
	ClaimUntil        time.Time
	ReleaseClaim      bool
	FinalizedAt       *time.Time
	DispatchedAt      *time.Time
}

// checkTransition rejects a change whose target status is not reachable from
// every status the guard admits.
func checkTransition(guard Guard, change Change) error {
	if change.FulfillmentStatus == nil {
		return nil
	}
	if len(guard.Statuses) == 0 {
		return fmt.Errorf("%w: status change to %s without a status guard", ErrIllegalTransition, *change.FulfillmentStatus)
	}
	for _, from := range guard.Statuses {
		if !from.CanTransitionTo(*change.FulfillmentStatus) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, *change.FulfillmentStatus)
		}
	}
	return nil
}

// matches evaluates the guard against an in-memory order.
func (g Guard) matches(o *models.Order) bool {
	if len(g.Statuses) > 0 && !containsStatus(g.Statuses, o.FulfillmentStatus) {
		return false
	}
	if len(g.PaymentStatuses) > 0 && !containsPayment(g.PaymentStatuses, o.PaymentStatus) {
		return false
	}
	if g.HeldBy != "" && (o.ClaimedBy == nil || *o.ClaimedBy != g.HeldBy) {
		return false
	}
	if g.Claimable != nil && o.ClaimedBy != nil && *o.ClaimedBy != g.Claimable.Owner {
		if o.ClaimExpiresAt != nil && !o.ClaimExpiresAt.Before(g.Claimable.Now) {
			return false
		}
	}
	if g.AttemptsAtMost != nil && o.Attempts > *g.AttemptsAtMost {
		return false
	}
	if g.Undispatched && o.DispatchedAt != nil {
		return false
	}
	return true
}

// apply writes the change onto an in-memory order.
func (c Change) apply(o *models.Order, now time.Time) {
	if c.FulfillmentStatus != nil {
		o.FulfillmentStatus = *c.FulfillmentStatus
	}
	if c.PaymentStatus != nil {
		o.PaymentStatus = *c.PaymentStatus
	}
	if c.PaymentReference != nil {
		ref := *c.PaymentReference
		o.PaymentReference = &ref
	}
	if c.FailureReason != nil {
		reason := *c.FailureReason
		o.FailureReason = &reason
	}
	if c.LastRetryReason != nil {
		reason := *c.LastRetryReason
		o.LastRetryReason = &reason
	}
	if c.NormalizedAddress != nil {
		addr := *c.NormalizedAddress
		o.NormalizedAddress = &addr
	}
	if c.Attempts != nil {
		o.Attempts = *c.Attempts
	}
	if c.ClaimOwner != "" {
		owner, until := c.ClaimOwner, c.ClaimUntil.UTC()
		o.ClaimedBy, o.ClaimExpiresAt = &owner, &until
	}
	if c.ReleaseClaim {
		o.ClaimedBy, o.ClaimExpiresAt = nil, nil
	}
	if c.FinalizedAt != nil {
		at := c.FinalizedAt.UTC()
		o.FinalizedAt = &at
	}
	if c.DispatchedAt != nil {
		at := c.DispatchedAt.UTC()
		o.DispatchedAt = &at
	}
	o.UpdatedAt = now
}

// columns renders the change as a gorm update map.
func (c Change) columns(now time.Time) map[string]any {
	cols := map[string]any{"updated_at": now}
	if c.FulfillmentStatus != nil {
		cols["fulfillment_status"] = *c.FulfillmentStatus
	}
	if c.PaymentStatus != nil {
		cols["payment_status"] = *c.PaymentStatus
	}
	if c.PaymentReference != nil {
		cols["payment_reference"] = *c.PaymentReference
	}
	if c.FailureReason != nil {
		cols["failure_reason"] = *c.FailureReason
	}
	if c.LastRetryReason != nil {
		cols["last_retry_reason"] = *c.LastRetryReason
	}
	if c.NormalizedAddress != nil {
		// map updates bypass the field serializer, so encode here.
		if encoded, err := json.Marshal(c.NormalizedAddress); err == nil {
			cols["normalized_address"] = string(encoded)
		}
	}
	if c.Attempts != nil {
		cols["attempts"] = *c.Attempts
	}
	if c.ClaimOwner != "" {
		cols["claimed_by"] = c.ClaimOwner
		cols["claim_expires_at"] = c.ClaimUntil.UTC()
	}
	if c.ReleaseClaim {
		cols["claimed_by"] = nil
		cols["claim_expires_at"] = nil
	}
	if c.FinalizedAt != nil {
		cols["finalized_at"] = c.FinalizedAt.UTC()
	}
	if c.DispatchedAt != nil {
		cols["dispatched_at"] = c.DispatchedAt.UTC()
	}
	return cols
}

func containsStatus(list []enums.FulfillmentStatus, s enums.FulfillmentStatus) bool {
	for _, candidate := range list {
		if candidate == s {
			return true
		}
	}
	return false
}

func containsPayment(list []enums.PaymentStatus, s enums.PaymentStatus) bool {
	for _, candidate := range list {
		if candidate == s {
			return true
		}
	}
	return false
}
