// Package payments applies provider payment confirmations to orders waiting
// on them and sends the order back through the finalization queue.
package payments

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/ringorder-backend/internal/orders"
	"github.com/angelmondragon/ringorder-backend/internal/queue"
	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/ringorder-backend/pkg/errors"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
)

type referenceFinder interface {
	FindByPaymentReference(ctx context.Context, reference string) (*models.Order, error)
}

type paymentConfirmer interface {
	ConfirmPayment(ctx context.Context, id uuid.UUID, paid bool) (*models.Order, error)
}

type enqueuer interface {
	Enqueue(ctx context.Context, task queue.Task) error
}

// ConfirmerParams wires a Confirmer.
type ConfirmerParams struct {
	Orders referenceFinder
	States paymentConfirmer
	Queue  enqueuer
	Logger *logger.Logger
	Now    func() time.Time
}

// Confirmer turns a provider event keyed by payment reference into a state
// change plus a fresh finalization task.
type Confirmer struct {
	orders referenceFinder
	states paymentConfirmer
	queue  enqueuer
	logg   *logger.Logger
	now    func() time.Time
}

// Result reports what a confirmation did.
type Result struct {
	OrderID           uuid.UUID               `json:"order_id"`
	Applied           bool                    `json:"applied"`
	Enqueued          bool                    `json:"enqueued"`
	PaymentStatus     enums.PaymentStatus     `json:"payment_status"`
	FulfillmentStatus enums.FulfillmentStatus `json:"fulfillment_status"`
}

func NewConfirmer(params ConfirmerParams) (*Confirmer, error) {
	if params.Orders == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "order repository required")
	}
	if params.States == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "order state machine required")
	}
	if params.Queue == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "task queue required")
	}
	if params.Logger == nil {
		params.Logger = logger.Nop()
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	return &Confirmer{
		orders: params.Orders,
		states: params.States,
		queue:  params.Queue,
		logg:   params.Logger,
		now:    params.Now,
	}, nil
}

// Confirm records the provider verdict for the order holding reference. A
// confirmation that finds the order already settled is a no-op, except that a
// settled order still waiting in verifying gets its task re-emitted.
func (c *Confirmer) Confirm(ctx context.Context, reference string, paid bool) (*Result, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, pkgerrors.Validation("missing_field", "reference", "payment reference is required")
	}

	order, err := c.orders.FindByPaymentReference(ctx, reference)
	if errors.Is(err, orders.ErrNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no order holds this payment reference")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order by payment reference")
	}
	ctx = c.logg.WithOrderID(ctx, order.ID.String())

	result := &Result{OrderID: order.ID}
	updated, err := c.states.ConfirmPayment(ctx, order.ID, paid)
	switch {
	case err == nil:
		result.Applied = true
		order = updated
	case errors.Is(err, orders.ErrStateConflict):
		if order, err = c.orders.FindByPaymentReference(ctx, reference); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload order")
		}
	default:
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "confirm payment")
	}
	result.PaymentStatus = order.PaymentStatus
	result.FulfillmentStatus = order.FulfillmentStatus

	if !needsTask(order) {
		c.logg.Info(ctx, "payment confirmation ignored for settled order")
		return result, nil
	}

	task := queue.NewTask(order.ID, c.now())
	if order.Attempts > task.Attempt {
		task.Attempt = order.Attempts
	}
	if err := c.queue.Enqueue(ctx, task); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "enqueue finalization task")
	}
	result.Enqueued = true
	c.logg.Info(c.logg.WithFields(ctx, map[string]any{
		"task_id":        task.ID.String(),
		"payment_status": string(order.PaymentStatus),
	}), "payment confirmation applied")
	return result, nil
}

// needsTask reports whether the order still has work for a worker: verifying
// with a settled payment.
func needsTask(order *models.Order) bool {
	return order.FulfillmentStatus == enums.FulfillmentStatusVerifying &&
		order.PaymentStatus.IsSettled()
}
