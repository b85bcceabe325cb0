package main

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/multierr"

	"github.com/angelmondragon/ringorder-backend/api/controllers"
	ledgercontrollers "github.com/angelmondragon/ringorder-backend/api/controllers/ledger"
	"github.com/angelmondragon/ringorder-backend/api/routes"
	"github.com/angelmondragon/ringorder-backend/internal/app"
	squarewebhook "github.com/angelmondragon/ringorder-backend/internal/webhooks/square"
	stripewebhook "github.com/angelmondragon/ringorder-backend/internal/webhooks/stripe"
	"github.com/angelmondragon/ringorder-backend/pkg/config"
	"github.com/angelmondragon/ringorder-backend/pkg/db"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
	"github.com/angelmondragon/ringorder-backend/pkg/redis"
	pkgsquare "github.com/angelmondragon/ringorder-backend/pkg/square"
	pkgstripe "github.com/angelmondragon/ringorder-backend/pkg/stripe"
)

// routerParams mounts the provider webhooks only when their signing secret
// is configured.
func routerParams(cfg *config.Config, logg *logger.Logger, p *app.Pipeline, dbClient *db.Client, redisClient *redis.Client) (routes.Params, error) {
	pingers := map[string]controllers.Pinger{"db": dbClient}
	if redisClient != nil {
		pingers["redis"] = redisClient
	}

	ledgers := map[enums.LedgerStream]ledgercontrollers.Snapshotter{}
	for stream, l := range p.Ledgers() {
		ledgers[stream] = l
	}

	paymentsGuard, err := p.NewGuard(app.ScopePaymentsWebhook)
	if err != nil {
		return routes.Params{}, err
	}

	params := routes.Params{
		Config:           cfg,
		Logger:           logg,
		Pingers:          pingers,
		Orders:           p.OrderService,
		Calls:            p.Calls,
		Ledgers:          ledgers,
		IdempotencyStore: p.IdempotencyStore(),
		Payments:         p.Confirmer,
		PaymentsGuard:    paymentsGuard,
	}

	if cfg.Stripe.WebhookSecret != "" {
		svc, err := stripewebhook.NewService(stripewebhook.ServiceParams{Confirmer: p.Confirmer, Logger: logg})
		if err != nil {
			return routes.Params{}, err
		}
		guard, err := p.NewGuard(app.ScopeStripeWebhook)
		if err != nil {
			return routes.Params{}, err
		}
		params.Stripe = svc
		params.StripeVerifier = pkgstripe.NewWebhookVerifier(cfg.Stripe.WebhookSecret)
		params.StripeGuard = guard
	}

	if cfg.Square.WebhookSecret != "" {
		svc, err := squarewebhook.NewService(squarewebhook.ServiceParams{Confirmer: p.Confirmer, Logger: logg})
		if err != nil {
			return routes.Params{}, err
		}
		guard, err := p.NewGuard(app.ScopeSquareWebhook)
		if err != nil {
			return routes.Params{}, err
		}
		params.Square = svc
		params.SquareVerifier = pkgsquare.WebhookVerifier{Key: cfg.Square.WebhookSecret, URL: cfg.Square.WebhookURL}
		params.SquareGuard = guard
	}

	return params, nil
}

// background runs embedded loops until the shared context ends.
type background struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	errs   error
}

func newBackground(parent context.Context) *background {
	ctx, cancel := context.WithCancel(parent)
	return &background{ctx: ctx, cancel: cancel}
}

func (b *background) Go(run func(context.Context) error) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := run(b.ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.mu.Lock()
			b.errs = multierr.Append(b.errs, err)
			b.mu.Unlock()
		}
	}()
}

func (b *background) Stop() error {
	b.cancel()
	b.wg.Wait()
	return b.errs
}
