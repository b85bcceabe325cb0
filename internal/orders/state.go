package orders

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
)

const defaultClaimTTL = 2 * time.Minute

// StateMachine names every pipeline transition as one guarded update. A
// transition that lost a race returns ErrStateConflict and leaves the order
// untouched.
type StateMachine struct {
	repo     Repository
	claimTTL time.Duration
	now      func() time.Time
}

func NewStateMachine(repo Repository, claimTTL time.Duration) *StateMachine {
	if claimTTL <= 0 {
		claimTTL = defaultClaimTTL
	}
	return &StateMachine{repo: repo, claimTTL: claimTTL, now: utcNow}
}

// Claim moves the order into verifying for owner and stamps the attempt. It
// fails when another worker holds a live claim or a later attempt already ran.
func (m *StateMachine) Claim(ctx context.Context, id uuid.UUID, owner string, attempt int) (*models.Order, error) {
	now := m.now()
	return m.repo.Update(ctx, id,
		Guard{
			Statuses:       []enums.FulfillmentStatus{enums.FulfillmentStatusIntake, enums.FulfillmentStatusVerifying},
			Claimable:      &Claimable{Owner: owner, Now: now},
			AttemptsAtMost: &attempt,
		},
		Change{
			FulfillmentStatus: statusPtr(enums.FulfillmentStatusVerifying),
			Attempts:          &attempt,
			ClaimOwner:        owner,
			ClaimUntil:        now.Add(m.claimTTL),
		},
	)
}

func (m *StateMachine) RecordAddress(ctx context.Context, id uuid.UUID, owner string, addr models.Address) (*models.Order, error) {
	return m.repo.Update(ctx, id, heldVerifying(owner), Change{NormalizedAddress: &addr})
}

// MarkPaid records an approved charge.
func (m *StateMachine) MarkPaid(ctx context.Context, id uuid.UUID, owner, reference string) (*models.Order, error) {
	guard := heldVerifying(owner)
	guard.PaymentStatuses = []enums.PaymentStatus{enums.PaymentStatusPending}
	return m.repo.Update(ctx, id, guard, Change{
		PaymentStatus:    paymentPtr(enums.PaymentStatusPaid),
		PaymentReference: &reference,
	})
}

// AwaitConfirmation records a charge the provider has not settled yet and
// gives up the claim until the provider webhook arrives.
func (m *StateMachine) AwaitConfirmation(ctx context.Context, id uuid.UUID, owner, reference string) (*models.Order, error) {
	guard := heldVerifying(owner)
	guard.PaymentStatuses = []enums.PaymentStatus{enums.PaymentStatusPending}
	return m.repo.Update(ctx, id, guard, Change{
		PaymentReference: &reference,
		ReleaseClaim:     true,
	})
}

// Fail moves a claimed order to failed. A declined payment also marks the
// payment failed.
func (m *StateMachine) Fail(ctx context.Context, id uuid.UUID, owner string, reason enums.FailureReason) (*models.Order, error) {
	change := Change{
		FulfillmentStatus: statusPtr(enums.FulfillmentStatusFailed),
		FailureReason:     &reason,
		ReleaseClaim:      true,
	}
	if reason == enums.FailureReasonPaymentDeclined {
		change.PaymentStatus = paymentPtr(enums.PaymentStatusFailed)
	}
	return m.repo.Update(ctx, id, heldVerifying(owner), change)
}

// Finalize marks a paid, claimed order finalized once its ledger entry exists.
func (m *StateMachine) Finalize(ctx context.Context, id uuid.UUID, owner string) (*models.Order, error) {
	guard := heldVerifying(owner)
	guard.PaymentStatuses = []enums.PaymentStatus{enums.PaymentStatusPaid}
	now := m.now()
	return m.repo.Update(ctx, id, guard, Change{
		FulfillmentStatus: statusPtr(enums.FulfillmentStatusFinalized),
		FinalizedAt:       &now,
		ReleaseClaim:      true,
	})
}

// Release drops the claim ahead of a retry and records why.
func (m *StateMachine) Release(ctx context.Context, id uuid.UUID, owner string, reason enums.RetryReason) (*models.Order, error) {
	return m.repo.Update(ctx, id, heldVerifying(owner), Change{
		LastRetryReason: &reason,
		ReleaseClaim:    true,
	})
}

// RecoverFinalized re-derives the finalized state for an order the ledger
// already holds, whoever holds the claim. Only paid orders reach the ledger.
func (m *StateMachine) RecoverFinalized(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	now := m.now()
	return m.repo.Update(ctx, id,
		Guard{Statuses: []enums.FulfillmentStatus{enums.FulfillmentStatusIntake, enums.FulfillmentStatusVerifying}},
		Change{
			FulfillmentStatus: statusPtr(enums.FulfillmentStatusFinalized),
			PaymentStatus:     paymentPtr(enums.PaymentStatusPaid),
			FinalizedAt:       &now,
			ReleaseClaim:      true,
		},
	)
}

// ConfirmPayment applies a provider confirmation to an order still waiting on
// its payment.
func (m *StateMachine) ConfirmPayment(ctx context.Context, id uuid.UUID, paid bool) (*models.Order, error) {
	next := enums.PaymentStatusPaid
	if !paid {
		next = enums.PaymentStatusFailed
	}
	return m.repo.Update(ctx, id,
		Guard{
			Statuses:        []enums.FulfillmentStatus{enums.FulfillmentStatusVerifying},
			PaymentStatuses: []enums.PaymentStatus{enums.PaymentStatusPending},
		},
		Change{PaymentStatus: &next},
	)
}

// ExpirePayment fails an order whose provider never settled its payment. It
// applies only while no worker holds a live claim.
func (m *StateMachine) ExpirePayment(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	reason := enums.FailureReasonPaymentUnconfirmed
	return m.repo.Update(ctx, id,
		Guard{
			Statuses:        []enums.FulfillmentStatus{enums.FulfillmentStatusVerifying},
			PaymentStatuses: []enums.PaymentStatus{enums.PaymentStatusPending},
			Claimable:       &Claimable{Now: m.now()},
		},
		Change{
			FulfillmentStatus: statusPtr(enums.FulfillmentStatusFailed),
			PaymentStatus:     paymentPtr(enums.PaymentStatusFailed),
			FailureReason:     &reason,
			ReleaseClaim:      true,
		},
	)
}

// Abandon fails an order that cannot be processed, whether or not owner got
// as far as claiming it. A live claim held by someone else wins.
func (m *StateMachine) Abandon(ctx context.Context, id uuid.UUID, owner string, reason enums.FailureReason) (*models.Order, error) {
	return m.repo.Update(ctx, id,
		Guard{
			Statuses:  []enums.FulfillmentStatus{enums.FulfillmentStatusIntake, enums.FulfillmentStatusVerifying},
			Claimable: &Claimable{Owner: owner, Now: m.now()},
		},
		Change{
			FulfillmentStatus: statusPtr(enums.FulfillmentStatusFailed),
			FailureReason:     &reason,
			ReleaseClaim:      true,
		},
	)
}

// MarkDispatched records that the kitchen received a finalized order. It
// applies once.
func (m *StateMachine) MarkDispatched(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	now := m.now()
	return m.repo.Update(ctx, id,
		Guard{Statuses: []enums.FulfillmentStatus{enums.FulfillmentStatusFinalized}, Undispatched: true},
		Change{DispatchedAt: &now},
	)
}

func heldVerifying(owner string) Guard {
	return Guard{
		Statuses: []enums.FulfillmentStatus{enums.FulfillmentStatusVerifying},
		HeldBy:   owner,
	}
}

func statusPtr(s enums.FulfillmentStatus) *enums.FulfillmentStatus { return &s }

func paymentPtr(s enums.PaymentStatus) *enums.PaymentStatus { return &s }
