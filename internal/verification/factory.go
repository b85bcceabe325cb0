package verification

import (
	"context"
	"fmt"

	"github.com/angelmondragon/ringorder-backend/pkg/config"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
	"github.com/angelmondragon/ringorder-backend/pkg/maps"
	"github.com/angelmondragon/ringorder-backend/pkg/square"
	pkgstripe "github.com/angelmondragon/ringorder-backend/pkg/stripe"
)

// Verifiers is the pair of backends one process uses.
type Verifiers struct {
	Mode    string
	Payment PaymentVerifier
	Address AddressVerifier
	// Stripe is set when the live Stripe backend is active so the webhook
	// route can verify signatures with the same client.
	Stripe *pkgstripe.Client
	// Square is set when the live Square backend is active.
	Square *square.Client
}

// NewFromConfig selects the simulated or live backends once at startup.
func NewFromConfig(ctx context.Context, cfg *config.Config, logg *logger.Logger) (*Verifiers, error) {
	vcfg := cfg.Verification
	zone, err := ParseZone(vcfg.DeliveryZips, maps.LatLng{Latitude: vcfg.OriginLat, Longitude: vcfg.OriginLng}, vcfg.DeliveryRadiusMiles)
	if err != nil {
		return nil, fmt.Errorf("delivery zone: %w", err)
	}

	if !vcfg.Live() {
		opts := SimulatorOptions{
			DeclineRate:        vcfg.DeclineRate,
			TimeoutRate:        vcfg.TimeoutRate,
			AddressTimeoutRate: vcfg.AddressTimeoutRate,
			MinLatency:         vcfg.MinLatency,
			MaxLatency:         vcfg.MaxLatency,
			Seed:               vcfg.Seed,
		}
		if logg != nil {
			logg.Info(ctx, "verification backends: simulated")
		}
		return &Verifiers{
			Mode:    config.VerificationModeSimulated,
			Payment: NewSimulatedPayment(opts),
			Address: NewSimulatedAddress(zone, opts),
		}, nil
	}

	places, err := maps.NewClient(cfg.GoogleMaps.APIKey, maps.WithRegion(cfg.GoogleMaps.Region), maps.WithLanguage(cfg.GoogleMaps.Language))
	if err != nil {
		return nil, fmt.Errorf("google maps client: %w", err)
	}
	address, err := NewGoogleAddress(places, zone)
	if err != nil {
		return nil, err
	}
	out := &Verifiers{Mode: config.VerificationModeLive, Address: address}

	switch vcfg.PaymentProvider {
	case config.PaymentProviderStripe:
		client, err := pkgstripe.NewClient(ctx, cfg.Stripe, logg)
		if err != nil {
			return nil, fmt.Errorf("stripe client: %w", err)
		}
		if out.Payment, err = NewStripePayment(client, cfg.Pricing.Currency); err != nil {
			return nil, err
		}
		out.Stripe = client
	case config.PaymentProviderSquare:
		client, err := square.NewClient(ctx, cfg.Square, logg)
		if err != nil {
			return nil, fmt.Errorf("square client: %w", err)
		}
		if out.Payment, err = NewSquarePayment(client, cfg.Pricing.Currency); err != nil {
			return nil, err
		}
		out.Square = client
	default:
		return nil, fmt.Errorf("unknown payment provider %q", vcfg.PaymentProvider)
	}

	if logg != nil {
		logg.Info(ctx, fmt.Sprintf("verification backends: live (%s)", vcfg.PaymentProvider))
	}
	return out, nil
}
