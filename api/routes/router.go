package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/ringorder-backend/api/controllers"
	ledgercontrollers "github.com/angelmondragon/ringorder-backend/api/controllers/ledger"
	ordercontrollers "github.com/angelmondragon/ringorder-backend/api/controllers/orders"
	webhookcontrollers "github.com/angelmondragon/ringorder-backend/api/controllers/webhooks"
	"github.com/angelmondragon/ringorder-backend/api/middleware"
	"github.com/angelmondragon/ringorder-backend/internal/orders"
	"github.com/angelmondragon/ringorder-backend/internal/payments"
	"github.com/angelmondragon/ringorder-backend/pkg/config"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
	"github.com/angelmondragon/ringorder-backend/pkg/redis"
	pkgsquare "github.com/angelmondragon/ringorder-backend/pkg/square"
	pkgstripe "github.com/angelmondragon/ringorder-backend/pkg/stripe"
)

// Params collects everything the HTTP surface depends on. Optional webhook
// routes are mounted only when both their service and guard are present.
type Params struct {
	Config   *config.Config
	Logger   *logger.Logger
	Pingers  map[string]controllers.Pinger
	Gatherer prometheus.Gatherer

	Orders           orders.Service
	Calls            webhookcontrollers.CallRecorder
	Ledgers          map[enums.LedgerStream]ledgercontrollers.Snapshotter
	IdempotencyStore redis.IdempotencyStore

	Payments      webhookcontrollers.PaymentConfirmer
	PaymentsGuard *payments.IdempotencyGuard

	Stripe         webhookcontrollers.StripeWebhookService
	StripeVerifier pkgstripe.WebhookVerifier
	StripeGuard    *payments.IdempotencyGuard

	Square         webhookcontrollers.SquareWebhookService
	SquareVerifier pkgsquare.WebhookVerifier
	SquareGuard    *payments.IdempotencyGuard
}

func NewRouter(p Params) http.Handler {
	cfg := p.Config
	logg := p.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.AllowedOrigins()),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, p.Pingers))
	})

	gatherer := p.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/orders", func(r chi.Router) {
			r.With(middleware.Idempotency(p.IdempotencyStore, logg)).Post("/", ordercontrollers.Submit(p.Orders, logg))
			r.Get("/", ordercontrollers.List(p.Orders, logg))
			r.Get("/{orderId}", ordercontrollers.Status(p.Orders, logg))
		})

		r.Get("/ledger/{stream}", ledgercontrollers.Export(p.Ledgers, logg))

		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/calls", webhookcontrollers.CallCompleted(p.Calls, logg))
			if p.Payments != nil && p.PaymentsGuard != nil {
				r.Post("/payments", webhookcontrollers.PaymentEvent(p.Payments, p.PaymentsGuard, logg))
			}
			if p.Stripe != nil && p.StripeGuard != nil {
				r.Post("/stripe", webhookcontrollers.StripeWebhook(p.Stripe, p.StripeVerifier, p.StripeGuard, logg))
			}
			if p.Square != nil && p.SquareGuard != nil {
				r.Post("/square", webhookcontrollers.SquareWebhook(p.Square, p.SquareVerifier, p.SquareGuard, logg))
			}
		})
	})

	return r
}
