package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/ringorder-backend/internal/app"
	"github.com/angelmondragon/ringorder-backend/pkg/config"
	"github.com/angelmondragon/ringorder-backend/pkg/db"
	"github.com/angelmondragon/ringorder-backend/pkg/instance"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
	"github.com/angelmondragon/ringorder-backend/pkg/metrics"
	"github.com/angelmondragon/ringorder-backend/pkg/migrate"
	"github.com/angelmondragon/ringorder-backend/pkg/redis"
)

const serviceName = "cron-worker"

// cron-worker runs only the recovery jobs, for deployments that keep
// finalization workers and repair on separate machines.
func main() {
	once := flag.Bool("once", false, "run a single recovery cycle and exit")
	flag.Parse()

	if err := run(*once); err != nil && !errors.Is(err, context.Canceled) {
		os.Exit(1)
	}
}

func run(once bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logg := logger.New(logger.Options{ServiceName: serviceName})
	if err := godotenv.Load(); err != nil {
		logg.Warn(ctx, ".env file not found, relying on environment")
	}
	cfg, err := config.Load()
	if err != nil {
		logg.Error(ctx, "failed to load config", err)
		return err
	}
	cfg.Service.Kind = serviceName
	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Console:     cfg.App.ConsoleLogs(),
	})
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "serviceKind": serviceName})

	if cfg.Pipeline.QueueBackend != config.BackendRedis {
		err := errors.New("set RINGORDER_PIPELINE_QUEUE_BACKEND=redis")
		logg.Error(ctx, "cron worker needs a shared queue", err)
		return err
	}

	dbClient, err := db.New(ctx, cfg.DB, cfg.FeatureFlags, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		return err
	}
	defer closeLogged(ctx, logg, "database", dbClient.Close)
	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		logg.Error(ctx, "failed to run dev migrations", err)
		return err
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap redis", err)
		return err
	}
	defer closeLogged(ctx, logg, "redis", redisClient.Close)

	pipeline, err := app.New(ctx, cfg, logg, app.Deps{
		DB:         dbClient,
		Redis:      redisClient,
		Registerer: prometheus.DefaultRegisterer,
		InstanceID: instance.GetID(),
	})
	if err != nil {
		logg.Error(ctx, "failed to build pipeline", err)
		return err
	}
	defer closeLogged(ctx, logg, "pipeline", pipeline.Close)

	recovery, err := pipeline.NewRecovery(metrics.NewCronJobMetrics(prometheus.DefaultRegisterer))
	if err != nil {
		logg.Error(ctx, "failed to create recovery service", err)
		return err
	}

	if once {
		logg.Info(ctx, "running one recovery cycle")
		if err := recovery.RunOnce(ctx); err != nil {
			logg.Error(ctx, "recovery cycle failed", err)
			return err
		}
		return nil
	}

	logg.Info(ctx, "starting cron worker")
	if err := recovery.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		return err
	}
	logg.Info(ctx, "cron worker shutting down gracefully")
	return nil
}

func closeLogged(ctx context.Context, logg *logger.Logger, what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logg.Error(ctx, "error closing "+what, err)
	}
}
