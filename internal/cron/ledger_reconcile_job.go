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

type ledgerChecker interface {
	Has(ctx context.Context, kind enums.LedgerEntryKind, refID string) (bool, error)
}

const defaultDispatchGrace = time.Minute

type reconcileLister interface {
	orderLister
	ListUndispatched(ctx context.Context, finalizedBefore time.Time, limit int) ([]models.Order, error)
}

type finalizedRecoverer interface {
	RecoverFinalized(ctx context.Context, id uuid.UUID) (*models.Order, error)
	MarkDispatched(ctx context.Context, id uuid.UUID) (*models.Order, error)
}

type orderDispatcher interface {
	Dispatch(ctx context.Context, order *models.Order) error
}

type LedgerReconcileJobParams struct {
	Logger     *logger.Logger
	Orders     reconcileLister
	Ledger     ledgerChecker
	States     finalizedRecoverer
	Dispatcher orderDispatcher
	Metrics    repairCounter
	BatchSize  int
	// DispatchGrace is how long a finalized order may wait for its kitchen
	// dispatch before the job sends it again.
	DispatchGrace time.Duration
}

// NewLedgerReconcileJob finalizes verifying orders whose ledger entry was
// written by a worker that stopped before the status update, and re-sends
// finalized orders the kitchen never received.
func NewLedgerReconcileJob(params LedgerReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("order repository required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger required")
	}
	if params.States == nil {
		return nil, fmt.Errorf("state machine required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	grace := params.DispatchGrace
	if grace <= 0 {
		grace = defaultDispatchGrace
	}
	return &ledgerReconcileJob{
		logg:       params.Logger,
		orders:     params.Orders,
		ledger:     params.Ledger,
		states:     params.States,
		dispatcher: params.Dispatcher,
		metrics:    params.Metrics,
		batch:      batch,
		grace:      grace,
		now:        time.Now,
	}, nil
}

type ledgerReconcileJob struct {
	logg       *logger.Logger
	orders     reconcileLister
	ledger     ledgerChecker
	states     finalizedRecoverer
	dispatcher orderDispatcher
	metrics    repairCounter
	batch      int
	grace      time.Duration
	now        func() time.Time
}

func (j *ledgerReconcileJob) Name() string { return "ledger-reconcile" }

func (j *ledgerReconcileJob) Run(ctx context.Context) error {
	candidates, err := j.orders.ListByStatus(ctx, enums.FulfillmentStatusVerifying, j.now().UTC(), j.batch)
	if err != nil {
		return fmt.Errorf("list verifying orders: %w", err)
	}

	var (
		repaired int
		errs     error
	)
	for i := range candidates {
		id := candidates[i].ID
		recorded, err := j.ledger.Has(ctx, enums.LedgerEntryOrderFinalized, id.String())
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("check ledger for %s: %w", id, err))
			continue
		}
		if !recorded {
			continue
		}
		order, err := j.states.RecoverFinalized(ctx, id)
		if errors.Is(err, orders.ErrStateConflict) {
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("recover order %s: %w", id, err))
			continue
		}
		repaired++
		orderCtx := j.logg.WithOrderID(ctx, id.String())
		j.logg.Info(orderCtx, "order finalized from ledger during reconcile")
		if err := j.dispatch(orderCtx, order); err != nil {
			j.logg.Error(orderCtx, "kitchen dispatch failed after reconcile", err)
		}
	}

	redispatched, err := j.redispatch(ctx)
	errs = multierr.Append(errs, err)

	if j.metrics != nil {
		j.metrics.AddRepaired(j.Name(), repaired+redispatched)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"scanned":      len(candidates),
		"repaired":     repaired,
		"redispatched": redispatched,
		"failed":       len(multierr.Errors(errs)),
	})
	j.logg.Info(logCtx, "ledger reconcile complete")
	return errs
}

// redispatch re-sends finalized orders whose kitchen dispatch never got
// recorded.
func (j *ledgerReconcileJob) redispatch(ctx context.Context) (int, error) {
	if j.dispatcher == nil {
		return 0, nil
	}
	pending, err := j.orders.ListUndispatched(ctx, j.now().UTC().Add(-j.grace), j.batch)
	if err != nil {
		return 0, fmt.Errorf("list undispatched orders: %w", err)
	}
	var (
		sent int
		errs error
	)
	for i := range pending {
		order := &pending[i]
		if err := j.dispatch(j.logg.WithOrderID(ctx, order.ID.String()), order); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("redispatch order %s: %w", order.ID, err))
			continue
		}
		sent++
	}
	return sent, errs
}

func (j *ledgerReconcileJob) dispatch(ctx context.Context, order *models.Order) error {
	if j.dispatcher == nil {
		return nil
	}
	if err := j.dispatcher.Dispatch(ctx, order); err != nil {
		return err
	}
	if _, err := j.states.MarkDispatched(ctx, order.ID); err != nil && !errors.Is(err, orders.ErrStateConflict) {
		return fmt.Errorf("record dispatch: %w", err)
	}
	return nil
}
