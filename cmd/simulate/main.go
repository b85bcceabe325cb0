package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/ringorder-backend/internal/app"
	"github.com/angelmondragon/ringorder-backend/pkg/config"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
)

// simulate submits a burst of orders to an in-process pipeline backed by the
// simulators and audits the resulting ledger.
func main() {
	n := flag.Int("orders", 50, "number of orders to submit")
	concurrency := flag.Int("concurrency", 50, "maximum concurrent submissions")
	declineRate := flag.Float64("decline-rate", 0.10, "simulated payment decline rate")
	timeoutRate := flag.Float64("timeout-rate", 0.05, "simulated payment timeout rate")
	ledgerDir := flag.String("ledger-dir", "", "ledger directory (defaults to a temporary directory)")
	deadline := flag.Duration("deadline", 2*time.Minute, "how long to wait for orders to settle")
	asJSON := flag.Bool("json", false, "print the summary as JSON")
	flag.Parse()

	logg := logger.New(logger.Options{ServiceName: "simulate"})
	_ = godotenv.Load()

	setDefaultEnv(config.EnvAppEnv, config.AppEnvDev)
	setDefaultEnv("RINGORDER_USE_SQLITE", "true")

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "simulate"
	logg = logger.New(logger.Options{
		ServiceName: "simulate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Console:     cfg.App.ConsoleLogs(),
	})

	dir := *ledgerDir
	if dir == "" {
		dir, err = os.MkdirTemp("", "ringorder-ledger-")
		if err != nil {
			logg.Error(context.Background(), "failed to create ledger dir", err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)
	}
	applySimulation(cfg, dir, *declineRate, *timeoutRate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline, err := app.New(ctx, cfg, logg, app.Deps{InstanceID: "simulate"})
	if err != nil {
		logg.Error(ctx, "failed to build pipeline", err)
		os.Exit(1)
	}

	summary, err := run(ctx, pipeline, logg, options{Orders: *n, Concurrency: *concurrency, Deadline: *deadline})
	if cerr := pipeline.Close(); cerr != nil {
		logg.Error(ctx, "error closing pipeline", cerr)
	}
	if err != nil {
		logg.Error(ctx, "simulation failed", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(summary)
	} else {
		printSummary(summary)
	}
	if !summary.Healthy() {
		os.Exit(2)
	}
}

// applySimulation pins every backend to its in-process variant.
func applySimulation(cfg *config.Config, ledgerDir string, declineRate, timeoutRate float64) {
	cfg.Pipeline.QueueBackend = config.BackendMemory
	cfg.Pipeline.EmbeddedWorkers = true
	cfg.Ledger.Backend = config.LedgerBackendFile
	cfg.Ledger.LockBackend = config.LockBackendLocal
	cfg.Ledger.Dir = ledgerDir
	cfg.Verification.Mode = config.VerificationModeSimulated
	cfg.Verification.DeclineRate = declineRate
	cfg.Verification.TimeoutRate = timeoutRate
	cfg.Outbox.Enabled = false
}

func setDefaultEnv(key, value string) {
	if _, ok := os.LookupEnv(key); !ok {
		_ = os.Setenv(key, value)
	}
}
