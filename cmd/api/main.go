package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/angelmondragon/ringorder-backend/api/routes"
	"github.com/angelmondragon/ringorder-backend/internal/app"
	"github.com/angelmondragon/ringorder-backend/pkg/config"
	"github.com/angelmondragon/ringorder-backend/pkg/db"
	"github.com/angelmondragon/ringorder-backend/pkg/instance"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
	"github.com/angelmondragon/ringorder-backend/pkg/metrics"
	"github.com/angelmondragon/ringorder-backend/pkg/migrate"
	"github.com/angelmondragon/ringorder-backend/pkg/redis"
)

const (
	serviceName     = "api"
	shutdownTimeout = 20 * time.Second
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
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

	// PORT wins so the binary runs unchanged on Cloud Run.
	addr := ":" + cfg.App.Port
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "addr": addr, "instance": instance.GetID()})

	if !cfg.Pipeline.EmbeddedWorkers && cfg.Pipeline.QueueBackend == config.BackendMemory {
		err := errors.New("set RINGORDER_PIPELINE_EMBEDDED_WORKERS=true or use the redis queue")
		logg.Error(ctx, "memory queue needs embedded workers", err)
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

	var redisClient *redis.Client
	if cfg.Redis.Configured() {
		if redisClient, err = redis.New(ctx, cfg.Redis, logg); err != nil {
			logg.Error(ctx, "failed to bootstrap redis", err)
			return err
		}
		defer closeLogged(ctx, logg, "redis", redisClient.Close)
	}

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

	params, err := routerParams(cfg, logg, pipeline, dbClient, redisClient)
	if err != nil {
		logg.Error(ctx, "failed to build routes", err)
		return err
	}

	background := newBackground(ctx)
	if cfg.Pipeline.EmbeddedWorkers {
		if err := startEmbedded(background, pipeline); err != nil {
			logg.Error(ctx, "failed to start embedded workers", err)
			return err
		}
		logg.Info(ctx, "embedded workers enabled")
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           routes.NewRouter(params),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logg.Info(ctx, "starting api server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErr:
		if runErr != nil {
			logg.Error(ctx, "api server stopped unexpectedly", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.Error(shutdownCtx, "api server shutdown failed", err)
		runErr = multierr.Append(runErr, err)
	}
	if err := background.Stop(); err != nil {
		logg.Error(shutdownCtx, "background workers stopped with error", err)
		runErr = multierr.Append(runErr, err)
	}
	logg.Info(shutdownCtx, "api server shut down")
	return runErr
}

// startEmbedded runs the worker pool and the recovery loop inside the api
// process.
func startEmbedded(bg *background, p *app.Pipeline) error {
	pool, err := p.NewPool()
	if err != nil {
		return err
	}
	recovery, err := p.NewRecovery(metrics.NewCronJobMetrics(prometheus.DefaultRegisterer))
	if err != nil {
		return err
	}
	bg.Go(pool.Run)
	bg.Go(recovery.Run)
	return nil
}

func closeLogged(ctx context.Context, logg *logger.Logger, what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logg.Error(context.WithoutCancel(ctx), "error closing "+what, err)
	}
}
