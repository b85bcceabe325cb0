// Package worker drains the finalization queue. Each delivery runs the order
// state machine: claim, verify the address, take payment, append to the
// orders ledger, finalize.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/ringorder-backend/internal/ledger"
	"github.com/angelmondragon/ringorder-backend/internal/orders"
	"github.com/angelmondragon/ringorder-backend/internal/queue"
	"github.com/angelmondragon/ringorder-backend/internal/verification"
	"github.com/angelmondragon/ringorder-backend/pkg/backoff"
	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
)

// Outcome labels how one delivery ended. It is logged and counted.
type Outcome string

const (
	OutcomeFinalized       Outcome = "finalized"
	OutcomeRecovered       Outcome = "recovered"
	OutcomeFailed          Outcome = "failed"
	OutcomeRetried         Outcome = "retried"
	OutcomeDeferred        Outcome = "deferred"
	OutcomeAwaitingPayment Outcome = "awaiting_payment"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeStale           Outcome = "stale"
	OutcomeDefect          Outcome = "defect"
	// OutcomeUnacked leaves the delivery for lease expiry to hand out again.
	OutcomeUnacked Outcome = "unacked"
)

const (
	defaultMaxAttempts         = 4
	defaultBaseBackoff         = 2 * time.Second
	defaultMaxBackoff          = time.Minute
	defaultVerificationTimeout = 10 * time.Second
	defaultDeferDelay          = 500 * time.Millisecond
)

type orderReader interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
}

type transitions interface {
	Claim(ctx context.Context, id uuid.UUID, owner string, attempt int) (*models.Order, error)
	RecordAddress(ctx context.Context, id uuid.UUID, owner string, addr models.Address) (*models.Order, error)
	MarkPaid(ctx context.Context, id uuid.UUID, owner, reference string) (*models.Order, error)
	AwaitConfirmation(ctx context.Context, id uuid.UUID, owner, reference string) (*models.Order, error)
	Fail(ctx context.Context, id uuid.UUID, owner string, reason enums.FailureReason) (*models.Order, error)
	Finalize(ctx context.Context, id uuid.UUID, owner string) (*models.Order, error)
	Release(ctx context.Context, id uuid.UUID, owner string, reason enums.RetryReason) (*models.Order, error)
	RecoverFinalized(ctx context.Context, id uuid.UUID) (*models.Order, error)
	Abandon(ctx context.Context, id uuid.UUID, owner string, reason enums.FailureReason) (*models.Order, error)
	MarkDispatched(ctx context.Context, id uuid.UUID) (*models.Order, error)
}

type orderLedger interface {
	Append(ctx context.Context, input ledger.AppendInput) (*models.LedgerEntry, error)
	Has(ctx context.Context, kind enums.LedgerEntryKind, refID string) (bool, error)
}

// Dispatcher hands a finalized order to the kitchen.
type Dispatcher interface {
	Dispatch(ctx context.Context, order *models.Order) error
}

type processorMetrics interface {
	IncProcessed(outcome string)
	IncRetry(reason string)
	IncDefect(kind string)
}

// ProcessorParams wires a Processor.
type ProcessorParams struct {
	Orders              orderReader
	States              transitions
	Queue               queue.Queue
	Ledger              orderLedger
	Payment             verification.PaymentVerifier
	Address             verification.AddressVerifier
	Dispatcher          Dispatcher
	Logger              *logger.Logger
	Metrics             processorMetrics
	InstanceID          string
	MaxAttempts         int
	BaseBackoff         time.Duration
	MaxBackoff          time.Duration
	BackoffJitter       time.Duration
	VerificationTimeout time.Duration
	DeferDelay          time.Duration
	Now                 func() time.Time
}

// Processor runs one delivery at a time; it is safe to share between pool
// goroutines.
type Processor struct {
	orders              orderReader
	states              transitions
	queue               queue.Queue
	ledger              orderLedger
	payment             verification.PaymentVerifier
	address             verification.AddressVerifier
	dispatcher          Dispatcher
	logg                *logger.Logger
	metrics             processorMetrics
	instanceID          string
	maxAttempts         int
	baseBackoff         time.Duration
	maxBackoff          time.Duration
	jitter              time.Duration
	verificationTimeout time.Duration
	deferDelay          time.Duration
	now                 func() time.Time
}

func NewProcessor(params ProcessorParams) (*Processor, error) {
	switch {
	case params.Orders == nil:
		return nil, errors.New("order repository is required")
	case params.States == nil:
		return nil, errors.New("order state machine is required")
	case params.Queue == nil:
		return nil, errors.New("queue is required")
	case params.Ledger == nil:
		return nil, errors.New("orders ledger is required")
	case params.Payment == nil:
		return nil, errors.New("payment verifier is required")
	case params.Address == nil:
		return nil, errors.New("address verifier is required")
	}
	if params.Logger == nil {
		params.Logger = logger.Nop()
	}
	if params.InstanceID == "" {
		params.InstanceID = "worker"
	}
	if params.MaxAttempts <= 0 {
		params.MaxAttempts = defaultMaxAttempts
	}
	if params.BaseBackoff <= 0 {
		params.BaseBackoff = defaultBaseBackoff
	}
	if params.MaxBackoff <= 0 {
		params.MaxBackoff = defaultMaxBackoff
	}
	if params.VerificationTimeout <= 0 {
		params.VerificationTimeout = defaultVerificationTimeout
	}
	if params.DeferDelay <= 0 {
		params.DeferDelay = defaultDeferDelay
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	return &Processor{
		orders:              params.Orders,
		states:              params.States,
		queue:               params.Queue,
		ledger:              params.Ledger,
		payment:             params.Payment,
		address:             params.Address,
		dispatcher:          params.Dispatcher,
		logg:                params.Logger,
		metrics:             params.Metrics,
		instanceID:          params.InstanceID,
		maxAttempts:         params.MaxAttempts,
		baseBackoff:         params.BaseBackoff,
		maxBackoff:          params.MaxBackoff,
		jitter:              params.BackoffJitter,
		verificationTimeout: params.VerificationTimeout,
		deferDelay:          params.DeferDelay,
		now:                 params.Now,
	}, nil
}

// Process runs one delivery to an outcome. A non-nil error means the delivery
// was left unacked.
func (p *Processor) Process(ctx context.Context, d *queue.Delivery) (Outcome, error) {
	task := d.Task
	ctx = p.logg.WithFields(ctx, map[string]any{
		"order_id": task.OrderID.String(),
		"task_id":  task.ID.String(),
		"attempt":  task.Attempt,
	})

	owner := p.instanceID + "/" + uuid.NewString()
	outcome, err := p.guarded(ctx, d, owner)
	if p.metrics != nil {
		p.metrics.IncProcessed(string(outcome))
	}
	logCtx := p.logg.WithField(ctx, "outcome", string(outcome))
	if err != nil {
		p.logg.Error(logCtx, "finalization task left unacked", err)
		return outcome, err
	}
	p.logg.Info(logCtx, "finalization task processed")
	return outcome, nil
}

// guarded runs the delivery and turns a panic into a retry of the task.
func (p *Processor) guarded(ctx context.Context, d *queue.Delivery, owner string) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.defect(ctx, "worker_panic", "finalization task panicked", fmt.Errorf("panic: %v", r))
			outcome, err = p.afterPanic(ctx, d, owner)
		}
	}()
	return p.process(ctx, d, owner)
}

func (p *Processor) process(ctx context.Context, d *queue.Delivery, owner string) (Outcome, error) {
	task := d.Task

	order, err := p.orders.FindByID(ctx, task.OrderID)
	if errors.Is(err, orders.ErrNotFound) {
		p.defect(ctx, "unknown_order", "finalization task references an unknown order", err)
		return p.ack(ctx, d, OutcomeDefect)
	}
	if err != nil {
		return OutcomeUnacked, fmt.Errorf("load order: %w", err)
	}
	if order.FulfillmentStatus.IsTerminal() {
		return p.ack(ctx, d, OutcomeDuplicate)
	}
	if task.Attempt < order.Attempts {
		return p.ack(ctx, d, OutcomeStale)
	}

	recorded, err := p.ledger.Has(ctx, enums.LedgerEntryOrderFinalized, order.ID.String())
	if err != nil {
		return OutcomeUnacked, fmt.Errorf("check ledger: %w", err)
	}
	if recorded {
		return p.recover(ctx, d, order.ID)
	}

	order, err = p.states.Claim(ctx, task.OrderID, owner, task.Attempt)
	switch {
	case errors.Is(err, orders.ErrStateConflict):
		return p.claimLost(ctx, d)
	case errors.Is(err, orders.ErrIllegalTransition):
		p.defect(ctx, "illegal_transition", "claim rejected as a backwards transition", err)
		return p.ack(ctx, d, OutcomeDefect)
	case err != nil:
		return OutcomeUnacked, fmt.Errorf("claim order: %w", err)
	}

	if order.Kind.NeedsAddress() && order.NormalizedAddress == nil {
		if order.DeliveryAddress == nil {
			p.defect(ctx, "missing_address", "delivery order has no address", nil)
			return p.ack(ctx, d, OutcomeDefect)
		}
		vctx, cancel := context.WithTimeout(ctx, p.verificationTimeout)
		result, err := p.address.Validate(vctx, *order.DeliveryAddress)
		cancel()
		if err != nil {
			p.logg.Warn(p.logg.WithField(ctx, "error", err.Error()), "address verification failed")
			return p.retry(ctx, d, owner, enums.RetryReasonVerificationTimeout)
		}
		if !result.InZone {
			return p.fail(ctx, d, owner, enums.FailureReasonOutOfDeliveryZone)
		}
		if order, err = p.states.RecordAddress(ctx, order.ID, owner, result.Normalized); err != nil {
			return p.transitionFailed(ctx, d, "record address", err)
		}
	}

	switch order.PaymentStatus {
	case enums.PaymentStatusFailed:
		return p.fail(ctx, d, owner, enums.FailureReasonPaymentDeclined)
	case enums.PaymentStatusPaid:
	default:
		if order.PaymentReference != nil && *order.PaymentReference != "" {
			if _, err := p.states.AwaitConfirmation(ctx, order.ID, owner, *order.PaymentReference); err != nil {
				return p.transitionFailed(ctx, d, "await confirmation", err)
			}
			return p.ack(ctx, d, OutcomeAwaitingPayment)
		}

		vctx, cancel := context.WithTimeout(ctx, p.verificationTimeout)
		charge, err := p.payment.Charge(vctx, order)
		cancel()
		if declined, ok := verification.AsDeclined(err); ok {
			p.logg.Info(p.logg.WithField(ctx, "decline_code", declined.Code), "payment declined")
			return p.fail(ctx, d, owner, enums.FailureReasonPaymentDeclined)
		}
		if err != nil {
			p.logg.Warn(p.logg.WithField(ctx, "error", err.Error()), "payment verification failed")
			return p.retry(ctx, d, owner, enums.RetryReasonVerificationTimeout)
		}
		if !charge.Approved {
			if _, err := p.states.AwaitConfirmation(ctx, order.ID, owner, charge.Reference); err != nil {
				return p.transitionFailed(ctx, d, "await confirmation", err)
			}
			return p.ack(ctx, d, OutcomeAwaitingPayment)
		}
		if order, err = p.states.MarkPaid(ctx, order.ID, owner, charge.Reference); err != nil {
			return p.transitionFailed(ctx, d, "mark paid", err)
		}
	}

	_, err = p.ledger.Append(ctx, ledger.AppendInput{
		Kind:        enums.LedgerEntryOrderFinalized,
		RefID:       order.ID.String(),
		AmountCents: order.TotalCents,
		Payload:     newLedgerSnapshot(order),
	})
	switch {
	case errors.Is(err, ledger.ErrDuplicateEntry):
		p.defect(ctx, "duplicate_ledger_entry", "order already recorded in the ledger", err)
		return p.ack(ctx, d, OutcomeDefect)
	case errors.Is(err, ledger.ErrLockTimeout):
		return p.retry(ctx, d, owner, enums.RetryReasonLockTimeout)
	case err != nil:
		p.logg.Warn(p.logg.WithField(ctx, "error", err.Error()), "ledger append failed")
		return p.retry(ctx, d, owner, enums.RetryReasonLedgerError)
	}

	finalized, err := p.states.Finalize(ctx, order.ID, owner)
	if err != nil {
		if errors.Is(err, orders.ErrStateConflict) {
			// The ledger holds the order; the reconcile job or a redelivery
			// re-derives finalized.
			p.logg.Warn(ctx, "order recorded but claim was lost before finalize")
			return p.ack(ctx, d, OutcomeDuplicate)
		}
		return OutcomeUnacked, fmt.Errorf("finalize order: %w", err)
	}
	p.dispatch(ctx, finalized)
	return p.ack(ctx, d, OutcomeFinalized)
}

// recover re-derives finalized for an order the ledger already holds.
func (p *Processor) recover(ctx context.Context, d *queue.Delivery, id uuid.UUID) (Outcome, error) {
	order, err := p.states.RecoverFinalized(ctx, id)
	if errors.Is(err, orders.ErrStateConflict) {
		return p.ack(ctx, d, OutcomeDuplicate)
	}
	if err != nil {
		return OutcomeUnacked, fmt.Errorf("recover finalized order: %w", err)
	}
	p.logg.Info(ctx, "order finalized from existing ledger entry")
	p.dispatch(ctx, order)
	return p.ack(ctx, d, OutcomeRecovered)
}

// claimLost sorts out why the claim CAS matched nothing.
func (p *Processor) claimLost(ctx context.Context, d *queue.Delivery) (Outcome, error) {
	order, err := p.orders.FindByID(ctx, d.Task.OrderID)
	if err != nil {
		return OutcomeUnacked, fmt.Errorf("reload order after claim conflict: %w", err)
	}
	switch {
	case order.FulfillmentStatus.IsTerminal():
		return p.ack(ctx, d, OutcomeDuplicate)
	case d.Task.Attempt < order.Attempts:
		return p.ack(ctx, d, OutcomeStale)
	}

	now := p.now()
	next := d.Task.Defer(now.Add(p.deferDelay), now)
	if err := p.queue.Retry(ctx, d, next); err != nil && !errors.Is(err, queue.ErrUnknownDelivery) {
		return OutcomeUnacked, fmt.Errorf("defer task: %w", err)
	}
	return OutcomeDeferred, nil
}

// retry sends the order around again, or fails it once the attempt bound is
// spent.
func (p *Processor) retry(ctx context.Context, d *queue.Delivery, owner string, reason enums.RetryReason) (Outcome, error) {
	task := d.Task
	ctx = p.logg.WithField(ctx, "retry_reason", string(reason))
	if task.Attempt+1 > p.maxAttempts {
		p.logg.Warn(ctx, "finalization attempts exhausted")
		return p.fail(ctx, d, owner, reason.Exhausted())
	}

	if _, err := p.states.Release(ctx, task.OrderID, owner, reason); err != nil {
		return p.transitionFailed(ctx, d, "release claim", err)
	}
	return p.reschedule(ctx, d, reason)
}

// afterPanic sends a panicked delivery around again. Once the attempt bound
// is spent the order fails as a processing defect, unless the ledger already
// holds it.
func (p *Processor) afterPanic(ctx context.Context, d *queue.Delivery, owner string) (Outcome, error) {
	task := d.Task
	reason := enums.RetryReasonWorkerPanic
	if task.Attempt+1 <= p.maxAttempts {
		if _, err := p.states.Release(ctx, task.OrderID, owner, reason); err != nil && !errors.Is(err, orders.ErrStateConflict) {
			return OutcomeUnacked, fmt.Errorf("release claim after panic: %w", err)
		}
		return p.reschedule(ctx, d, reason)
	}

	recorded, err := p.ledger.Has(ctx, enums.LedgerEntryOrderFinalized, task.OrderID.String())
	if err != nil {
		return OutcomeUnacked, fmt.Errorf("check ledger after panic: %w", err)
	}
	if recorded {
		return p.recover(ctx, d, task.OrderID)
	}
	_, err = p.states.Abandon(ctx, task.OrderID, owner, reason.Exhausted())
	switch {
	case err == nil:
		p.logg.Warn(p.logg.WithField(ctx, "failure_reason", string(reason.Exhausted())), "order abandoned after repeated panics")
	case errors.Is(err, orders.ErrStateConflict), errors.Is(err, orders.ErrNotFound):
	default:
		return OutcomeUnacked, fmt.Errorf("abandon order: %w", err)
	}
	return p.ack(ctx, d, OutcomeDefect)
}

func (p *Processor) reschedule(ctx context.Context, d *queue.Delivery, reason enums.RetryReason) (Outcome, error) {
	task := d.Task
	now := p.now()
	delay := backoff.WithJitter(backoff.ForAttempt(task.Attempt, p.baseBackoff, p.maxBackoff), p.jitter)
	next := task.Retry(reason, now.Add(delay), now)
	if err := p.queue.Retry(ctx, d, next); err != nil && !errors.Is(err, queue.ErrUnknownDelivery) {
		return OutcomeUnacked, fmt.Errorf("schedule retry: %w", err)
	}
	if p.metrics != nil {
		p.metrics.IncRetry(string(reason))
	}
	return OutcomeRetried, nil
}

func (p *Processor) fail(ctx context.Context, d *queue.Delivery, owner string, reason enums.FailureReason) (Outcome, error) {
	if _, err := p.states.Fail(ctx, d.Task.OrderID, owner, reason); err != nil {
		return p.transitionFailed(ctx, d, "fail order", err)
	}
	p.logg.Info(p.logg.WithField(ctx, "failure_reason", string(reason)), "order failed")
	return p.ack(ctx, d, OutcomeFailed)
}

// transitionFailed handles a guarded update that did not apply. A conflict
// means the claim expired and someone else owns the order now.
func (p *Processor) transitionFailed(ctx context.Context, d *queue.Delivery, step string, err error) (Outcome, error) {
	if errors.Is(err, orders.ErrStateConflict) {
		p.logg.Warn(p.logg.WithField(ctx, "step", step), "order claim lost mid-task")
		return p.ack(ctx, d, OutcomeStale)
	}
	if errors.Is(err, orders.ErrIllegalTransition) {
		p.defect(ctx, "illegal_transition", step, err)
		return p.ack(ctx, d, OutcomeDefect)
	}
	return OutcomeUnacked, fmt.Errorf("%s: %w", step, err)
}

func (p *Processor) dispatch(ctx context.Context, order *models.Order) {
	if p.dispatcher == nil {
		return
	}
	if err := p.dispatcher.Dispatch(ctx, order); err != nil {
		p.logg.Error(ctx, "kitchen dispatch failed", err)
		return
	}
	if _, err := p.states.MarkDispatched(ctx, order.ID); err != nil && !errors.Is(err, orders.ErrStateConflict) {
		p.logg.Error(ctx, "record kitchen dispatch", err)
	}
}

func (p *Processor) ack(ctx context.Context, d *queue.Delivery, outcome Outcome) (Outcome, error) {
	if err := p.queue.Ack(ctx, d); err != nil {
		if errors.Is(err, queue.ErrUnknownDelivery) {
			p.logg.Warn(ctx, "delivery lease expired before ack")
			return outcome, nil
		}
		return OutcomeUnacked, fmt.Errorf("ack delivery: %w", err)
	}
	return outcome, nil
}

func (p *Processor) defect(ctx context.Context, kind, msg string, err error) {
	if p.metrics != nil {
		p.metrics.IncDefect(kind)
	}
	p.logg.Defect(p.logg.WithField(ctx, "defect_kind", kind), msg, err)
}

// ledgerSnapshot is the payload recorded for a finalized order.
type ledgerSnapshot struct {
	OrderID            uuid.UUID          `json:"order_id"`
	Kind               enums.OrderKind    `json:"kind"`
	Items              []models.OrderItem `json:"items"`
	CustomerName       string             `json:"customer_name"`
	CustomerPhone      string             `json:"customer_phone"`
	CustomerEmail      *string            `json:"customer_email,omitempty"`
	CustomerLanguage   string             `json:"customer_language"`
	Address            *models.Address    `json:"address,omitempty"`
	PickupTime         *time.Time         `json:"pickup_time,omitempty"`
	SubtotalCents      int64              `json:"subtotal_cents"`
	TaxCents           int64              `json:"tax_cents"`
	DeliveryFeeCents   int64              `json:"delivery_fee_cents"`
	TotalCents         int64              `json:"total_cents"`
	PaymentReference   string             `json:"payment_reference"`
	CallID             *string            `json:"call_id,omitempty"`
	HandledByAI        bool               `json:"handled_by_ai"`
	TransferredToHuman bool               `json:"transferred_to_human"`
	CreatedAt          time.Time          `json:"created_at"`
}

func newLedgerSnapshot(o *models.Order) ledgerSnapshot {
	snap := ledgerSnapshot{
		OrderID:            o.ID,
		Kind:               o.Kind,
		Items:              o.Items,
		CustomerName:       o.CustomerName,
		CustomerPhone:      o.CustomerPhone,
		CustomerEmail:      o.CustomerEmail,
		CustomerLanguage:   o.CustomerLanguage,
		Address:            o.NormalizedAddress,
		PickupTime:         o.PickupTime,
		SubtotalCents:      o.SubtotalCents,
		TaxCents:           o.TaxCents,
		DeliveryFeeCents:   o.DeliveryFeeCents,
		TotalCents:         o.TotalCents,
		CallID:             o.CallID,
		HandledByAI:        o.HandledByAI,
		TransferredToHuman: o.TransferredToHuman,
		CreatedAt:          o.CreatedAt,
	}
	if o.PaymentReference != nil {
		snap.PaymentReference = *o.PaymentReference
	}
	return snap
}
