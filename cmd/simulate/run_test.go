package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/ringorder-backend/internal/app"
	"github.com/angelmondragon/ringorder-backend/pkg/config"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
)

func TestRunRecordsEveryFinalizedOrderOnce(t *testing.T) {
	t.Setenv(config.EnvAppEnv, config.AppEnvDev)
	t.Setenv("RINGORDER_USE_SQLITE", "true")
	t.Setenv("RINGORDER_SIM_MIN_LATENCY", "1ms")
	t.Setenv("RINGORDER_SIM_MAX_LATENCY", "5ms")
	cfg, err := config.Load()
	require.NoError(t, err)

	applySimulation(cfg, t.TempDir(), 0.10, 0.05)
	cfg.Pipeline.Workers = 8
	cfg.Pipeline.BaseBackoff = 5 * time.Millisecond
	cfg.Pipeline.MaxBackoff = 20 * time.Millisecond
	cfg.Pipeline.BackoffJitter = time.Millisecond

	p, err := app.New(context.Background(), cfg, logger.Nop(), app.Deps{InstanceID: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	summary, err := run(context.Background(), p, logger.Nop(), options{Orders: 40, Concurrency: 40, Deadline: 20 * time.Second})
	require.NoError(t, err)

	require.True(t, summary.Healthy(), "summary: %+v", summary)
	require.Zero(t, summary.Rejected)
	finalized := summary.ByStatus[enums.FulfillmentStatusFinalized]
	failed := summary.ByStatus[enums.FulfillmentStatusFailed]
	require.Equal(t, 40, finalized+failed)
	require.Equal(t, finalized, summary.Audit.Entries)
	require.Equal(t, summary.Declines, int64(summary.ByFailure[enums.FailureReasonPaymentDeclined]))
}

func TestSampleOrderAlternatesKinds(t *testing.T) {
	require.Equal(t, "pickup", sampleOrder(0).Kind)
	delivery := sampleOrder(1)
	require.Equal(t, "delivery", delivery.Kind)
	require.NotNil(t, delivery.DeliveryAddress)
	require.NotNil(t, delivery.PaymentSource)
}
