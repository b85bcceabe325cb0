package app

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/ringorder-backend/internal/kitchen"
	"github.com/angelmondragon/ringorder-backend/internal/orders"
	"github.com/angelmondragon/ringorder-backend/pkg/config"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("RINGORDER_APP_ENV", "dev")
	t.Setenv("RINGORDER_USE_SQLITE", "true")
	t.Setenv("RINGORDER_LEDGER_DIR", t.TempDir())
	t.Setenv("RINGORDER_SIM_DECLINE_RATE", "0")
	t.Setenv("RINGORDER_SIM_TIMEOUT_RATE", "0")
	t.Setenv("RINGORDER_SIM_MIN_LATENCY", "0s")
	t.Setenv("RINGORDER_SIM_MAX_LATENCY", "0s")
	t.Setenv("RINGORDER_PIPELINE_WORKERS", "2")
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestNewBuildsInMemoryPipeline(t *testing.T) {
	cfg := testConfig(t)

	p, err := New(context.Background(), cfg, logger.Nop(), Deps{InstanceID: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	require.IsType(t, orders.NewMemoryRepository(), p.Orders)
	require.IsType(t, &kitchen.LogDispatcher{}, p.Dispatcher)
	require.Len(t, p.Ledgers(), 2)
	require.Equal(t, enums.LedgerStreamCalls, p.CallLedger.Stream())
}

func TestNewRejectsRedisBackendsWithoutClient(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipeline.QueueBackend = config.BackendRedis

	_, err := New(context.Background(), cfg, logger.Nop(), Deps{})
	require.Error(t, err)

	cfg.Pipeline.QueueBackend = config.BackendMemory
	cfg.Ledger.Backend = config.LedgerBackendDatabase
	_, err = New(context.Background(), cfg, logger.Nop(), Deps{})
	require.Error(t, err)
}

func TestPipelineFinalizesSubmittedOrder(t *testing.T) {
	cfg := testConfig(t)
	p, err := New(context.Background(), cfg, logger.Nop(), Deps{InstanceID: "test"})
	require.NoError(t, err)

	pool, err := p.NewPool()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	source := "tok_visa"
	res, err := p.OrderService.Submit(context.Background(), orders.SubmitInput{
		Kind:          "pickup",
		Items:         []orders.ItemInput{{Name: "Margherita", Quantity: 2, UnitPrice: decimal.RequireFromString("12.50")}},
		Customer:      orders.CustomerInput{Name: "Sam", Phone: "+12125550100"},
		PaymentSource: &source,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		view, err := p.OrderService.Status(context.Background(), res.OrderID)
		return err == nil && view.FulfillmentStatus == enums.FulfillmentStatusFinalized
	}, 5*time.Second, 10*time.Millisecond)

	entries, err := p.OrderLedger.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)

	cancel()
	require.NoError(t, p.Close())
	require.NoError(t, <-done)
}

func TestNewRecoveryUsesLocalLockWithoutRedis(t *testing.T) {
	cfg := testConfig(t)
	p, err := New(context.Background(), cfg, logger.Nop(), Deps{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	svc, err := p.NewRecovery(nil)
	require.NoError(t, err)
	require.NotNil(t, svc)
}

func TestLocalGuardsShareOneStore(t *testing.T) {
	cfg := testConfig(t)
	p, err := New(context.Background(), cfg, logger.Nop(), Deps{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	require.Same(t, p.IdempotencyStore(), p.IdempotencyStore())

	guard, err := p.NewGuard(ScopeStripeWebhook)
	require.NoError(t, err)
	first, err := guard.CheckAndMark(context.Background(), "evt_1")
	require.NoError(t, err)
	second, err := guard.CheckAndMark(context.Background(), "evt_1")
	require.NoError(t, err)
	require.False(t, first)
	require.True(t, second)
}
