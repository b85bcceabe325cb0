package square

import (
	"strings"

	sq "github.com/square/square-go-sdk"

	pkgerrors "github.com/angelmondragon/ringorder-backend/pkg/errors"
)

// Square caps these fields.
const (
	maxNoteLen      = 500
	maxReferenceLen = 40
)

type PaymentCreateParams struct {
	AmountCents    int64
	Currency       string
	LocationID     string
	SourceID       string
	IdempotencyKey string
	Note           string
	ReferenceID    string
	BuyerPhone     string
	BuyerEmail     string
}

func (p PaymentCreateParams) request() (*sq.CreatePaymentRequest, error) {
	if p.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment amount must be positive")
	}
	if strings.TrimSpace(p.SourceID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment source is required")
	}
	currency := sq.Currency(strings.ToUpper(strings.TrimSpace(p.Currency)))
	if currency == "" {
		currency = "USD"
	}
	amount := p.AmountCents
	return &sq.CreatePaymentRequest{
		IdempotencyKey:    p.IdempotencyKey,
		SourceID:          strings.TrimSpace(p.SourceID),
		AmountMoney:       &sq.Money{Amount: &amount, Currency: &currency},
		LocationID:        optional(p.LocationID, 0),
		ReferenceID:       optional(p.ReferenceID, maxReferenceLen),
		Note:              optional(p.Note, maxNoteLen),
		BuyerEmailAddress: optional(p.BuyerEmail, 0),
		BuyerPhoneNumber:  optional(p.BuyerPhone, 0),
	}, nil
}

// optional trims s and returns nil when empty. limit > 0 truncates.
func optional(s string, limit int) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if limit > 0 && len(s) > limit {
		s = s[:limit]
	}
	return &s
}
