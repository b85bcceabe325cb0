// Package app assembles the order pipeline from configuration. cmd/api,
// cmd/worker and cmd/simulate share it so every process builds the same
// queue, ledgers and verifiers.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/angelmondragon/ringorder-backend/internal/calls"
	"github.com/angelmondragon/ringorder-backend/internal/cron"
	"github.com/angelmondragon/ringorder-backend/internal/kitchen"
	"github.com/angelmondragon/ringorder-backend/internal/ledger"
	"github.com/angelmondragon/ringorder-backend/internal/orders"
	"github.com/angelmondragon/ringorder-backend/internal/payments"
	"github.com/angelmondragon/ringorder-backend/internal/queue"
	"github.com/angelmondragon/ringorder-backend/internal/verification"
	"github.com/angelmondragon/ringorder-backend/internal/worker"
	"github.com/angelmondragon/ringorder-backend/pkg/config"
	"github.com/angelmondragon/ringorder-backend/pkg/db"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
	"github.com/angelmondragon/ringorder-backend/pkg/instance"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
	"github.com/angelmondragon/ringorder-backend/pkg/metrics"
	"github.com/angelmondragon/ringorder-backend/pkg/outbox"
	pkgredis "github.com/angelmondragon/ringorder-backend/pkg/redis"
)

// Deps are the already-connected clients a process brings. Both are
// optional; a missing DB selects in-memory order storage and a missing Redis
// rules out the redis queue and lock backends.
type Deps struct {
	DB         *db.Client
	Redis      *pkgredis.Client
	Registerer prometheus.Registerer
	InstanceID string
}

// Pipeline holds every component of one process.
type Pipeline struct {
	Config  *config.Config
	Logger  *logger.Logger
	Metrics *metrics.PipelineMetrics

	Orders      orders.Repository
	States      *orders.StateMachine
	Queue       queue.Queue
	OrderLedger *ledger.Ledger
	CallLedger  *ledger.Ledger
	Verifiers   *verification.Verifiers
	Dispatcher  worker.Dispatcher

	OrderService orders.Service
	Calls        *calls.Service
	Confirmer    *payments.Confirmer

	deps       Deps
	localStore *payments.MemoryStore
	closers    []io.Closer
}

// New builds the pipeline. Close releases what New opened.
func New(ctx context.Context, cfg *config.Config, logg *logger.Logger, deps Deps) (_ *Pipeline, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	if deps.Registerer == nil {
		deps.Registerer = prometheus.NewRegistry()
	}
	if deps.InstanceID == "" {
		deps.InstanceID = instance.GetID()
	}

	p := &Pipeline{
		Config:  cfg,
		Logger:  logg,
		Metrics: metrics.NewPipelineMetrics(deps.Registerer),
		deps:    deps,
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, p.Close())
		}
	}()

	if deps.DB != nil {
		p.Orders = orders.NewRepository(deps.DB.DB())
	} else {
		p.Orders = orders.NewMemoryRepository()
	}
	p.States = orders.NewStateMachine(p.Orders, cfg.Pipeline.ClaimTTL)

	if p.Queue, err = p.newQueue(); err != nil {
		return nil, err
	}
	if p.OrderLedger, err = p.newLedger(enums.LedgerStreamOrders); err != nil {
		return nil, err
	}
	if p.CallLedger, err = p.newLedger(enums.LedgerStreamCalls); err != nil {
		return nil, err
	}
	if p.Verifiers, err = verification.NewFromConfig(ctx, cfg, logg); err != nil {
		return nil, err
	}
	if p.Dispatcher, err = p.newDispatcher(ctx); err != nil {
		return nil, err
	}

	if p.OrderService, err = orders.NewService(orders.ServiceParams{
		Repo:            p.Orders,
		Queue:           p.Queue,
		Pricer:          orders.NewPricer(cfg.Pricing),
		Logger:          logg,
		Metrics:         p.Metrics,
		EnqueueAttempts: cfg.Pipeline.IntakeEnqueueAttempts,
	}); err != nil {
		return nil, err
	}
	if p.Calls, err = calls.NewService(calls.ServiceParams{Ledger: p.CallLedger, Logger: logg}); err != nil {
		return nil, err
	}
	if p.Confirmer, err = payments.NewConfirmer(payments.ConfirmerParams{
		Orders: p.Orders,
		States: p.States,
		Queue:  p.Queue,
		Logger: logg,
	}); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) newQueue() (queue.Queue, error) {
	pcfg := p.Config.Pipeline
	switch strings.ToLower(pcfg.QueueBackend) {
	case config.BackendRedis:
		if p.deps.Redis == nil {
			return nil, errors.New("redis queue backend requires a redis client")
		}
		return queue.NewRedis(p.deps.Redis.Raw(), queue.RedisOptions{Name: pcfg.QueueName, Lease: pcfg.LeaseTimeout})
	default:
		q := queue.NewMemory(queue.MemoryOptions{Lease: pcfg.LeaseTimeout})
		p.closers = append(p.closers, q)
		return q, nil
	}
}

func (p *Pipeline) newLedger(stream enums.LedgerStream) (*ledger.Ledger, error) {
	lcfg := p.Config.Ledger

	var store ledger.Store
	switch strings.ToLower(lcfg.Backend) {
	case config.LedgerBackendDatabase:
		if p.deps.DB == nil {
			return nil, fmt.Errorf("%s ledger: database backend requires a database", stream)
		}
		gs, err := ledger.NewGormStore(p.deps.DB.DB(), stream)
		if err != nil {
			return nil, err
		}
		store = gs
	default:
		fs, err := ledger.OpenFileStore(lcfg.Dir, stream)
		if err != nil {
			return nil, fmt.Errorf("%s ledger: %w", stream, err)
		}
		p.closers = append(p.closers, fs)
		store = fs
	}

	var locker ledger.Locker
	switch strings.ToLower(lcfg.LockBackend) {
	case config.BackendRedis:
		if p.deps.Redis == nil {
			return nil, fmt.Errorf("%s ledger: redis lock backend requires a redis client", stream)
		}
		rl, err := ledger.NewRedisLocker(p.deps.Redis.Raw(), pkgredis.LockKey("ledger:"+string(stream)), lcfg.LockTTL, lcfg.LockPoll)
		if err != nil {
			return nil, err
		}
		locker = rl
	default:
		locker = ledger.NewLocalLocker()
	}

	return ledger.New(ledger.Params{
		Stream:   stream,
		Store:    store,
		Locker:   locker,
		LockWait: lcfg.LockWait,
		Logger:   p.Logger,
		Metrics:  p.Metrics,
	})
}

func (p *Pipeline) newDispatcher(ctx context.Context) (worker.Dispatcher, error) {
	if !p.Config.Outbox.Enabled || p.deps.DB == nil {
		p.Logger.Info(ctx, "kitchen dispatch: log")
		return kitchen.NewLogDispatcher(p.Logger), nil
	}
	writer := outbox.NewWriter(outbox.NewRepository(p.deps.DB.DB()), p.Logger)
	p.Logger.Info(ctx, "kitchen dispatch: outbox")
	return kitchen.NewOutboxDispatcher(p.deps.DB, writer)
}

// NewPool builds a worker pool over the pipeline queue.
func (p *Pipeline) NewPool() (*worker.Pool, error) {
	pcfg := p.Config.Pipeline
	processor, err := worker.NewProcessor(worker.ProcessorParams{
		Orders:              p.Orders,
		States:              p.States,
		Queue:               p.Queue,
		Ledger:              p.OrderLedger,
		Payment:             p.Verifiers.Payment,
		Address:             p.Verifiers.Address,
		Dispatcher:          p.Dispatcher,
		Logger:              p.Logger,
		Metrics:             p.Metrics,
		InstanceID:          p.deps.InstanceID,
		MaxAttempts:         pcfg.MaxAttempts,
		BaseBackoff:         pcfg.BaseBackoff,
		MaxBackoff:          pcfg.MaxBackoff,
		BackoffJitter:       pcfg.BackoffJitter,
		VerificationTimeout: pcfg.VerificationTimeout,
	})
	if err != nil {
		return nil, err
	}
	return worker.NewPool(worker.PoolParams{
		Queue:     p.Queue,
		Processor: processor,
		Workers:   pcfg.Workers,
		Logger:    p.Logger,
	})
}

// NewRecovery builds the cron service running the repair jobs. The outbox
// retention job joins only when the outbox is in use.
func (p *Pipeline) NewRecovery(cronMetrics *metrics.CronJobMetrics) (*cron.Service, error) {
	rcfg := p.Config.Recovery

	intake, err := cron.NewIntakeRequeueJob(cron.IntakeRequeueJobParams{
		Logger:    p.Logger,
		Orders:    p.Orders,
		Queue:     p.Queue,
		Metrics:   cronMetrics,
		Grace:     rcfg.IntakeGrace,
		BatchSize: rcfg.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	reconcile, err := cron.NewLedgerReconcileJob(cron.LedgerReconcileJobParams{
		Logger:        p.Logger,
		Orders:        p.Orders,
		Ledger:        p.OrderLedger,
		States:        p.States,
		Dispatcher:    p.Dispatcher,
		Metrics:       cronMetrics,
		BatchSize:     rcfg.BatchSize,
		DispatchGrace: rcfg.DispatchGrace,
	})
	if err != nil {
		return nil, err
	}
	paymentTimeout, err := cron.NewPaymentTimeoutJob(cron.PaymentTimeoutJobParams{
		Logger:    p.Logger,
		Orders:    p.Orders,
		States:    p.States,
		Metrics:   cronMetrics,
		Deadline:  rcfg.PaymentDeadline,
		BatchSize: rcfg.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	registry := cron.NewRegistry(intake, reconcile, paymentTimeout)

	if p.Config.Outbox.Enabled && p.deps.DB != nil {
		retention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
			Logger:        p.Logger,
			DB:            p.deps.DB,
			Repository:    outbox.NewRepository(p.deps.DB.DB()),
			RetentionDays: p.Config.Outbox.RetentionDays,
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(retention); err != nil {
			return nil, err
		}
	}

	var locker ledger.Locker = ledger.NewLocalLocker()
	if p.deps.Redis != nil {
		rl, err := ledger.NewRedisLocker(p.deps.Redis.Raw(), pkgredis.LockKey("recovery:"+envOrLocal(p.Config.App.Env)), rcfg.LockTTL, 0)
		if err != nil {
			return nil, err
		}
		locker = rl
	}
	lock, err := cron.NewCycleLock(locker)
	if err != nil {
		return nil, err
	}

	return cron.NewService(cron.ServiceParams{
		Logger:   p.Logger,
		Registry: registry,
		Lock:     lock,
		Metrics:  cronMetrics,
		Interval: rcfg.Interval,
	})
}

// Webhook guard scopes.
const (
	ScopePaymentsWebhook = "payments-webhook"
	ScopeStripeWebhook   = "stripe-webhook"
	ScopeSquareWebhook   = "square-webhook"
)

// IdempotencyStore returns Redis when connected and a process-local store
// otherwise. The local store is shared by every caller of this pipeline.
func (p *Pipeline) IdempotencyStore() pkgredis.IdempotencyStore {
	if p.deps.Redis != nil {
		return p.deps.Redis
	}
	if p.localStore == nil {
		p.localStore = payments.NewMemoryStore()
	}
	return p.localStore
}

// NewGuard builds a webhook event guard for scope.
func (p *Pipeline) NewGuard(scope string) (*payments.IdempotencyGuard, error) {
	return payments.NewIdempotencyGuard(p.IdempotencyStore(), p.Config.Eventing.IdempotencyTTL, scope)
}

// Ledgers maps each stream to its ledger for export.
func (p *Pipeline) Ledgers() map[enums.LedgerStream]*ledger.Ledger {
	return map[enums.LedgerStream]*ledger.Ledger{
		enums.LedgerStreamOrders: p.OrderLedger,
		enums.LedgerStreamCalls:  p.CallLedger,
	}
}

// Close shuts the queue and ledger files down.
func (p *Pipeline) Close() error {
	var errs error
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, p.closers[i].Close())
	}
	p.closers = nil
	return errs
}

func envOrLocal(env string) string {
	if env == "" {
		return "local"
	}
	return env
}
