package verification

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/google/uuid"
	sq "github.com/square/square-go-sdk"
	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/ringorder-backend/pkg/config"
	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/ringorder-backend/pkg/errors"
	"github.com/angelmondragon/ringorder-backend/pkg/maps"
	"github.com/angelmondragon/ringorder-backend/pkg/square"
)

type fakeIntents struct {
	intent *stripe.PaymentIntent
	err    error
	params *stripe.PaymentIntentCreateParams
}

func (f *fakeIntents) Create(_ context.Context, params *stripe.PaymentIntentCreateParams) (*stripe.PaymentIntent, error) {
	f.params = params
	return f.intent, f.err
}

func liveOrder() *models.Order {
	source := "pm_card_visa"
	return &models.Order{
		ID:            uuid.New(),
		Kind:          "delivery",
		CustomerName:  "Sam Ortiz",
		CustomerPhone: "+12125550199",
		TotalCents:    2069,
		PaymentSource: &source,
	}
}

func TestStripePaymentStatuses(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status   stripe.PaymentIntentStatus
		approved bool
		declined bool
	}{
		{stripe.PaymentIntentStatusSucceeded, true, false},
		{stripe.PaymentIntentStatusRequiresCapture, true, false},
		{stripe.PaymentIntentStatusProcessing, false, false},
		{stripe.PaymentIntentStatusRequiresAction, false, false},
		{stripe.PaymentIntentStatusRequiresPaymentMethod, false, false},
		{stripe.PaymentIntentStatusCanceled, false, true},
	}
	for _, tc := range cases {
		fake := &fakeIntents{intent: &stripe.PaymentIntent{ID: "pi_123", Status: tc.status}}
		verifier := newStripePayment(fake, "USD")
		order := liveOrder()

		res, err := verifier.Charge(context.Background(), order)
		if tc.declined {
			if _, ok := AsDeclined(err); !ok {
				t.Fatalf("%s: expected decline, got %v", tc.status, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.status, err)
		}
		if res.Approved != tc.approved || res.Reference != "pi_123" {
			t.Fatalf("%s: unexpected result %+v", tc.status, res)
		}
		if *fake.params.Amount != 2069 || *fake.params.Currency != "usd" {
			t.Fatalf("unexpected amount params %+v", fake.params)
		}
		if fake.params.IdempotencyKey == nil || *fake.params.IdempotencyKey != "order-"+order.ID.String() {
			t.Fatalf("idempotency key not set to order id")
		}
		if fake.params.Confirm == nil || !*fake.params.Confirm || *fake.params.PaymentMethod != "pm_card_visa" {
			t.Fatalf("expected confirmation with payment method")
		}
	}
}

func TestStripePaymentWithoutSourceAwaitsWebhook(t *testing.T) {
	t.Parallel()

	fake := &fakeIntents{intent: &stripe.PaymentIntent{ID: "pi_456", Status: stripe.PaymentIntentStatusRequiresPaymentMethod}}
	order := liveOrder()
	order.PaymentSource = nil

	res, err := newStripePayment(fake, "").Charge(context.Background(), order)
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if res.Approved || res.Reference != "pi_456" {
		t.Fatalf("unexpected result %+v", res)
	}
	if fake.params.Confirm != nil {
		t.Fatal("intent without a payment method must not be confirmed")
	}
}

func TestStripePaymentErrorClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		err     error
		timeout bool
		code    string
	}{
		{"card declined", &stripe.Error{Type: stripe.ErrorTypeCard, Code: stripe.ErrorCodeCardDeclined, DeclineCode: stripe.DeclineCodeInsufficientFunds, HTTPStatusCode: http.StatusPaymentRequired}, false, "insufficient_funds"},
		{"api error", &stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: http.StatusInternalServerError}, true, ""},
		{"rate limited", &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: http.StatusTooManyRequests}, true, ""},
		{"invalid request", &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: http.StatusBadRequest}, false, "invalid_request_error"},
		{"network", errors.New("connection reset"), true, ""},
	}
	for _, tc := range cases {
		_, err := newStripePayment(&fakeIntents{err: tc.err}, "usd").Charge(context.Background(), liveOrder())
		if tc.timeout {
			if !errors.Is(err, ErrTimeout) {
				t.Fatalf("%s: expected timeout, got %v", tc.name, err)
			}
			continue
		}
		declined, ok := AsDeclined(err)
		if !ok || declined.Code != tc.code {
			t.Fatalf("%s: expected decline %s, got %v", tc.name, tc.code, err)
		}
	}
}

type fakeSquare struct {
	payment *sq.Payment
	err     error
	params  square.PaymentCreateParams
}

func (f *fakeSquare) CreatePayment(_ context.Context, params square.PaymentCreateParams) (*sq.Payment, error) {
	f.params = params
	return f.payment, f.err
}

func squarePayment(status string) *sq.Payment {
	id := "sq_pay_1"
	return &sq.Payment{ID: &id, Status: &status}
}

func TestSquarePaymentStatuses(t *testing.T) {
	t.Parallel()

	for status, want := range map[string]string{"COMPLETED": "approved", "APPROVED": "approved", "PENDING": "pending", "FAILED": "declined", "CANCELED": "declined"} {
		fake := &fakeSquare{payment: squarePayment(status)}
		verifier, err := NewSquarePayment(fake, "usd")
		if err != nil {
			t.Fatalf("new square payment: %v", err)
		}
		order := liveOrder()
		res, err := verifier.Charge(context.Background(), order)
		switch want {
		case "approved":
			if err != nil || !res.Approved || res.Reference != "sq_pay_1" {
				t.Fatalf("%s: unexpected %+v %v", status, res, err)
			}
		case "pending":
			if err != nil || res.Approved || res.Reference != "sq_pay_1" {
				t.Fatalf("%s: unexpected %+v %v", status, res, err)
			}
		case "declined":
			if _, ok := AsDeclined(err); !ok {
				t.Fatalf("%s: expected decline, got %v", status, err)
			}
		}
		if fake.params.IdempotencyKey != order.ID.String() || fake.params.ReferenceID != order.ID.String() {
			t.Fatalf("order id must key the payment: %+v", fake.params)
		}
	}
}

func TestSquarePaymentErrors(t *testing.T) {
	t.Parallel()

	rejected := &fakeSquare{err: pkgerrors.Wrap(pkgerrors.CodeValidation, errors.New("402"), "square create payment failed")}
	verifier, _ := NewSquarePayment(rejected, "usd")
	if _, err := verifier.Charge(context.Background(), liveOrder()); err == nil {
		t.Fatal("expected error")
	} else if _, ok := AsDeclined(err); !ok {
		t.Fatalf("validation error should decline, got %v", err)
	}

	unavailable := &fakeSquare{err: pkgerrors.Wrap(pkgerrors.CodeDependency, errors.New("503"), "square create payment failed")}
	verifier, _ = NewSquarePayment(unavailable, "usd")
	if _, err := verifier.Charge(context.Background(), liveOrder()); !errors.Is(err, ErrTimeout) {
		t.Fatalf("dependency error should time out, got %v", err)
	}

	order := liveOrder()
	order.PaymentSource = nil
	if _, err := verifier.Charge(context.Background(), order); err == nil {
		t.Fatal("expected decline without payment source")
	}
}

type fakePlaces struct {
	details *maps.PlaceDetails
	err     error
	input   string
}

func (f *fakePlaces) Lookup(_ context.Context, address string) (*maps.PlaceDetails, error) {
	f.input = address
	return f.details, f.err
}

func placeAt(zip string, loc maps.LatLng) *maps.PlaceDetails {
	return &maps.PlaceDetails{
		PlaceID:          "place_1",
		FormattedAddress: "20 W 34th St, New York, NY " + zip + ", USA",
		Location:         loc,
		AddressComponents: []maps.AddressComponent{
			{LongName: "20", ShortName: "20", Types: []string{"street_number"}},
			{LongName: "West 34th Street", ShortName: "W 34th St", Types: []string{"route"}},
			{LongName: "New York", ShortName: "New York", Types: []string{"locality"}},
			{LongName: "New York", ShortName: "NY", Types: []string{"administrative_area_level_1"}},
			{LongName: zip, ShortName: zip, Types: []string{"postal_code"}},
		},
	}
}

func TestGoogleAddress(t *testing.T) {
	t.Parallel()

	zone := testZone(t)
	near := maps.LatLng{Latitude: 40.7486, Longitude: -73.9864}
	input := models.Address{Line1: "20 west 34th", City: "nyc", State: "NY", PostalCode: "10001"}

	places := &fakePlaces{details: placeAt("10001", near)}
	verifier, err := NewGoogleAddress(places, zone)
	if err != nil {
		t.Fatalf("new google address: %v", err)
	}
	res, err := verifier.Validate(context.Background(), input)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !res.InZone || res.Normalized.Line1 != "20 W 34th St" || res.Normalized.City != "New York" || res.Normalized.PostalCode != "10001" {
		t.Fatalf("unexpected result %+v", res)
	}
	if places.input != "20 west 34th, nyc, NY 10001" {
		t.Fatalf("unexpected lookup input %q", places.input)
	}

	far, _ := NewGoogleAddress(&fakePlaces{details: placeAt("10001", maps.LatLng{Latitude: 40.9, Longitude: -73.6})}, zone)
	if res, _ := far.Validate(context.Background(), input); res.InZone {
		t.Fatal("allowed zip outside the radius must not be in zone")
	}

	none, _ := NewGoogleAddress(&fakePlaces{}, zone)
	if res, err := none.Validate(context.Background(), input); err != nil || res.InZone {
		t.Fatalf("no suggestion must be out of zone, got %+v %v", res, err)
	}

	down, _ := NewGoogleAddress(&fakePlaces{err: pkgerrors.New(pkgerrors.CodeDependency, "places down")}, zone)
	if _, err := down.Validate(context.Background(), input); !errors.Is(err, ErrTimeout) {
		t.Fatalf("dependency error should time out, got %v", err)
	}
}

func TestNewFromConfigSimulated(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Verification: config.VerificationConfig{
		Mode:         config.VerificationModeSimulated,
		DeliveryZips: "10001-10014",
		DeclineRate:  0.1,
	}}
	v, err := NewFromConfig(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("new from config: %v", err)
	}
	if v.Mode != config.VerificationModeSimulated {
		t.Fatalf("unexpected mode %s", v.Mode)
	}
	if _, ok := v.Payment.(*SimulatedPayment); !ok {
		t.Fatalf("expected simulated payment, got %T", v.Payment)
	}
	if _, ok := v.Address.(*SimulatedAddress); !ok {
		t.Fatalf("expected simulated address, got %T", v.Address)
	}

	cfg.Verification.DeliveryZips = ""
	if _, err := NewFromConfig(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected error for empty zone")
	}
}

func TestNewFromConfigLiveRequiresKeys(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Verification: config.VerificationConfig{
		Mode:            config.VerificationModeLive,
		PaymentProvider: config.PaymentProviderStripe,
		DeliveryZips:    "10001",
	}}
	if _, err := NewFromConfig(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected missing google key error")
	}
	cfg.GoogleMaps.APIKey = "maps-key"
	if _, err := NewFromConfig(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected missing stripe key error")
	}
	cfg.Stripe = config.StripeConfig{APIKey: "sk_test_abc", Env: "test"}
	v, err := NewFromConfig(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("new from config: %v", err)
	}
	if _, ok := v.Payment.(*StripePayment); !ok || v.Stripe == nil {
		t.Fatalf("expected stripe backend, got %T", v.Payment)
	}
}
