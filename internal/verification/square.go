package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sq "github.com/square/square-go-sdk"

	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/ringorder-backend/pkg/errors"
	"github.com/angelmondragon/ringorder-backend/pkg/square"
)

type squarePayments interface {
	CreatePayment(ctx context.Context, params square.PaymentCreateParams) (*sq.Payment, error)
}

// SquarePayment charges the order's payment source through Square. The
// order id is both the idempotency key and the reference id.
type SquarePayment struct {
	client   squarePayments
	currency string
}

func NewSquarePayment(client squarePayments, currency string) (*SquarePayment, error) {
	if client == nil {
		return nil, errors.New("square client is required")
	}
	return &SquarePayment{client: client, currency: currency}, nil
}

func (s *SquarePayment) Charge(ctx context.Context, order *models.Order) (ChargeResult, error) {
	if order.PaymentSource == nil || strings.TrimSpace(*order.PaymentSource) == "" {
		return ChargeResult{}, &DeclinedError{Code: "payment_source_required", Message: "order has no payment source"}
	}
	params := square.PaymentCreateParams{
		AmountCents:    order.TotalCents,
		Currency:       s.currency,
		SourceID:       strings.TrimSpace(*order.PaymentSource),
		IdempotencyKey: order.ID.String(),
		ReferenceID:    order.ID.String(),
		Note:           fmt.Sprintf("%s order for %s", order.Kind, order.CustomerName),
		BuyerPhone:     order.CustomerPhone,
	}
	if order.CustomerEmail != nil {
		params.BuyerEmail = *order.CustomerEmail
	}

	payment, err := s.client.CreatePayment(ctx, params)
	if err != nil {
		return ChargeResult{}, classifySquareError(ctx, err)
	}

	reference := ""
	if id := payment.GetID(); id != nil {
		reference = *id
	}
	status := ""
	if st := payment.GetStatus(); st != nil {
		status = strings.ToUpper(*st)
	}
	switch status {
	case "COMPLETED", "APPROVED":
		return ChargeResult{Approved: true, Reference: reference}, nil
	case "PENDING":
		return ChargeResult{Approved: false, Reference: reference}, nil
	case "FAILED", "CANCELED":
		return ChargeResult{}, &DeclinedError{Code: strings.ToLower(status), Message: "square payment " + strings.ToLower(status)}
	default:
		return ChargeResult{}, fmt.Errorf("%w: square returned unknown payment status %q", ErrTimeout, status)
	}
}

func classifySquareError(ctx context.Context, err error) error {
	switch pkgerrors.CodeOf(err) {
	case pkgerrors.CodeValidation, pkgerrors.CodeConflict, pkgerrors.CodeStateConflict, pkgerrors.CodeIdempotency:
		code := square.DeclineCode(err)
		if code == "" {
			code = "square_rejected"
		}
		return &DeclinedError{Code: strings.ToLower(code), Message: err.Error()}
	default:
		return fmt.Errorf("%w: %v", ErrTimeout, timeoutOr(ctx, err))
	}
}
