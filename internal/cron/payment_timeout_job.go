package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/ringorder-backend/internal/orders"
	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
)

const defaultPaymentDeadline = 30 * time.Minute

type paymentExpirer interface {
	ExpirePayment(ctx context.Context, id uuid.UUID) (*models.Order, error)
}

type PaymentTimeoutJobParams struct {
	Logger    *logger.Logger
	Orders    orderLister
	States    paymentExpirer
	Metrics   repairCounter
	Deadline  time.Duration
	BatchSize int
}

// NewPaymentTimeoutJob fails orders still waiting on a provider payment
// confirmation once the deadline has passed since the charge was recorded.
func NewPaymentTimeoutJob(params PaymentTimeoutJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("order repository required")
	}
	if params.States == nil {
		return nil, fmt.Errorf("state machine required")
	}
	deadline := params.Deadline
	if deadline <= 0 {
		deadline = defaultPaymentDeadline
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &paymentTimeoutJob{
		logg:     params.Logger,
		orders:   params.Orders,
		states:   params.States,
		metrics:  params.Metrics,
		deadline: deadline,
		batch:    batch,
		now:      time.Now,
	}, nil
}

type paymentTimeoutJob struct {
	logg     *logger.Logger
	orders   orderLister
	states   paymentExpirer
	metrics  repairCounter
	deadline time.Duration
	batch    int
	now      func() time.Time
}

func (j *paymentTimeoutJob) Name() string { return "payment-timeout" }

func (j *paymentTimeoutJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	cutoff := now.Add(-j.deadline)

	waiting, err := j.orders.ListByStatus(ctx, enums.FulfillmentStatusVerifying, cutoff, j.batch)
	if err != nil {
		return fmt.Errorf("list verifying orders: %w", err)
	}

	var (
		expired int
		errs    error
	)
	for i := range waiting {
		order := &waiting[i]
		if !awaitingProvider(order) || claimLive(order, now) {
			continue
		}
		_, err := j.states.ExpirePayment(ctx, order.ID)
		if errors.Is(err, orders.ErrStateConflict) {
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("expire payment for %s: %w", order.ID, err))
			continue
		}
		expired++
		j.logg.Warn(j.logg.WithFields(j.logg.WithOrderID(ctx, order.ID.String()), map[string]any{
			"payment_reference": *order.PaymentReference,
			"failure_reason":    string(enums.FailureReasonPaymentUnconfirmed),
		}), "payment confirmation deadline passed")
	}

	if j.metrics != nil {
		j.metrics.AddRepaired(j.Name(), expired)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":  cutoff,
		"expired": expired,
		"failed":  len(multierr.Errors(errs)),
	})
	j.logg.Info(logCtx, "payment timeout sweep complete")
	return errs
}

// awaitingProvider reports whether the order holds a charge the provider has
// not settled.
func awaitingProvider(order *models.Order) bool {
	return order.PaymentStatus == enums.PaymentStatusPending &&
		order.PaymentReference != nil && *order.PaymentReference != ""
}
