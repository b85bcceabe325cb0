package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/ringorder-backend/internal/queue"
	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
)

const (
	defaultIntakeGrace = 2 * time.Minute
	defaultBatchSize   = 100
)

type orderLister interface {
	ListByStatus(ctx context.Context, status enums.FulfillmentStatus, updatedBefore time.Time, limit int) ([]models.Order, error)
}

type taskEnqueuer interface {
	Enqueue(ctx context.Context, task queue.Task) error
}

type repairCounter interface {
	AddRepaired(job string, n int)
}

type IntakeRequeueJobParams struct {
	Logger    *logger.Logger
	Orders    orderLister
	Queue     taskEnqueuer
	Metrics   repairCounter
	Grace     time.Duration
	BatchSize int
}

// NewIntakeRequeueJob re-emits tasks for orders whose task was lost: orders
// still in intake after the grace period, and verifying orders with a settled
// payment and no live claim.
func NewIntakeRequeueJob(params IntakeRequeueJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("order repository required")
	}
	if params.Queue == nil {
		return nil, fmt.Errorf("queue required")
	}
	grace := params.Grace
	if grace <= 0 {
		grace = defaultIntakeGrace
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &intakeRequeueJob{
		logg:    params.Logger,
		orders:  params.Orders,
		queue:   params.Queue,
		metrics: params.Metrics,
		grace:   grace,
		batch:   batch,
		now:     time.Now,
	}, nil
}

type intakeRequeueJob struct {
	logg    *logger.Logger
	orders  orderLister
	queue   taskEnqueuer
	metrics repairCounter
	grace   time.Duration
	batch   int
	now     func() time.Time
}

func (j *intakeRequeueJob) Name() string { return "intake-requeue" }

func (j *intakeRequeueJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	cutoff := now.Add(-j.grace)

	stuck, err := j.orders.ListByStatus(ctx, enums.FulfillmentStatusIntake, cutoff, j.batch)
	if err != nil {
		return fmt.Errorf("list intake orders: %w", err)
	}
	settled, err := j.orders.ListByStatus(ctx, enums.FulfillmentStatusVerifying, cutoff, j.batch)
	if err != nil {
		return fmt.Errorf("list verifying orders: %w", err)
	}

	var (
		requeued int
		errs     error
	)
	for i := range stuck {
		if err := j.requeue(ctx, &stuck[i], now); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		requeued++
	}
	for i := range settled {
		order := &settled[i]
		if order.PaymentStatus == enums.PaymentStatusPending || claimLive(order, now) {
			continue
		}
		if err := j.requeue(ctx, order, now); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		requeued++
	}

	if j.metrics != nil {
		j.metrics.AddRepaired(j.Name(), requeued)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":   cutoff,
		"requeued": requeued,
		"failed":   len(multierr.Errors(errs)),
	})
	j.logg.Info(logCtx, "intake requeue complete")
	return errs
}

func (j *intakeRequeueJob) requeue(ctx context.Context, order *models.Order, now time.Time) error {
	task := queue.NewTask(order.ID, now)
	if order.Attempts > task.Attempt {
		task.Attempt = order.Attempts
	}
	if err := j.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("requeue order %s: %w", order.ID, err)
	}
	return nil
}

func claimLive(order *models.Order, now time.Time) bool {
	return order.ClaimedBy != nil && order.ClaimExpiresAt != nil && order.ClaimExpiresAt.After(now)
}
