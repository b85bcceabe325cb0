// Package square wraps the Square Payments API for charging orders.
package square

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	sq "github.com/square/square-go-sdk"
	sqclient "github.com/square/square-go-sdk/client"
	sqoption "github.com/square/square-go-sdk/option"

	"github.com/angelmondragon/ringorder-backend/pkg/config"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
)

const (
	Sandbox    = "sandbox"
	Production = "production"
)

var baseURLs = map[string]string{
	Sandbox:    "https://connect.squareupsandbox.com",
	Production: "https://connect.squareup.com",
}

type paymentsAPI interface {
	Create(ctx context.Context, request *sq.CreatePaymentRequest, opts ...sqoption.RequestOption) (*sq.CreatePaymentResponse, error)
}

type Client struct {
	payments   paymentsAPI
	env        string
	locationID string
	logg       *logger.Logger
}

func NewClient(ctx context.Context, cfg config.SquareConfig, logg *logger.Logger) (*Client, error) {
	if logg == nil {
		return nil, errors.New("square logger is required")
	}
	env := strings.ToLower(strings.TrimSpace(cfg.Env))
	if env == "" {
		env = Sandbox
	}
	base, ok := baseURLs[env]
	if !ok {
		return nil, fmt.Errorf("square environment must be %q or %q, got %q", Sandbox, Production, cfg.Env)
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, errors.New("square access token is required")
	}
	location := strings.TrimSpace(cfg.LocationID)
	if location == "" {
		return nil, errors.New("square location id is required")
	}

	sdk := sqclient.NewClient(sqoption.WithBaseURL(base), sqoption.WithToken(token))
	logg.Info(logg.WithField(ctx, "square_env", env), "square client initialized")
	return &Client{
		payments:   sdk.Payments,
		env:        env,
		locationID: location,
		logg:       logg,
	}, nil
}

func (c *Client) Environment() string { return c.env }

func (c *Client) LocationID() string { return c.locationID }

// CreatePayment charges params.SourceID. Failures come back as pkg/errors
// values; DeclineCode extracts Square's reason.
func (c *Client) CreatePayment(ctx context.Context, params PaymentCreateParams) (*sq.Payment, error) {
	if params.LocationID == "" {
		params.LocationID = c.locationID
	}
	if params.IdempotencyKey == "" {
		params.IdempotencyKey = uuid.NewString()
	}
	req, err := params.request()
	if err != nil {
		return nil, err
	}
	lctx := c.logg.WithFields(ctx, map[string]any{
		"square_op":    "payments.create",
		"reference_id": params.ReferenceID,
		"amount_cents": params.AmountCents,
	})

	resp, err := c.payments.Create(ctx, req)
	if err != nil {
		mapped := mapError(err, "create payment")
		c.logg.Warn(c.logg.WithField(lctx, "error", mapped.Error()), "square.request_failed")
		return nil, mapped
	}
	payment := resp.GetPayment()
	if payment == nil {
		return nil, mapError(errors.New("response has no payment"), "create payment")
	}
	c.logg.Info(c.logg.WithFields(lctx, map[string]any{
		"payment_id": deref(payment.GetID()),
		"status":     deref(payment.GetStatus()),
	}), "square.payment_created")
	return payment, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
