package orders

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
)

// Reason codes reported in validation error details.
const (
	ReasonMissingField           = "missing_field"
	ReasonInvalidField           = "invalid_field"
	ReasonInvalidKind            = "invalid_kind"
	ReasonEmptyItems             = "empty_items"
	ReasonInvalidQuantity        = "invalid_quantity"
	ReasonNegativePrice          = "negative_price"
	ReasonPriceTooLarge          = "price_too_large"
	ReasonInvalidPricePrecision  = "invalid_price_precision"
	ReasonInvalidEmail           = "invalid_email"
	ReasonMissingDeliveryAddress = "missing_delivery_address"
	ReasonUnexpectedAddress      = "unexpected_delivery_address"
	ReasonMissingPickupTime      = "missing_pickup_time"
	ReasonUnexpectedPickupTime   = "unexpected_pickup_time"
	ReasonNegativeTotal          = "negative_total"
	ReasonTotalOutOfRange        = "total_out_of_range"
)

// SubmitInput is the structured payload accepted at intake.
type SubmitInput struct {
	Kind               string        `json:"kind" validate:"required,oneof=pickup delivery"`
	Items              []ItemInput   `json:"items" validate:"required,min=1,dive"`
	Customer           CustomerInput `json:"customer" validate:"required"`
	DeliveryAddress    *AddressInput `json:"delivery_address,omitempty" validate:"omitempty"`
	PickupTime         *time.Time    `json:"pickup_time,omitempty"`
	PaymentSource      *string       `json:"payment_source,omitempty" validate:"omitempty,max=255"`
	Transcript         *string       `json:"transcript,omitempty"`
	HandledByAI        bool          `json:"handled_by_ai"`
	TransferredToHuman bool          `json:"transferred_to_human"`
	CallID             *string       `json:"call_id,omitempty" validate:"omitempty,max=128"`
}

type ItemInput struct {
	Name      string          `json:"name" validate:"required,max=200"`
	Quantity  int             `json:"quantity" validate:"min=1,max=1000"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Notes     string          `json:"notes,omitempty" validate:"max=500"`
}

type CustomerInput struct {
	Name     string  `json:"name" validate:"required,max=200"`
	Phone    string  `json:"phone" validate:"required,max=32"`
	Email    *string `json:"email,omitempty" validate:"omitempty,email"`
	Language string  `json:"language,omitempty" validate:"omitempty,max=16"`
}

type AddressInput struct {
	Line1      string `json:"line1" validate:"required,max=200"`
	Line2      string `json:"line2,omitempty" validate:"max=200"`
	City       string `json:"city" validate:"required,max=100"`
	State      string `json:"state" validate:"required,max=50"`
	PostalCode string `json:"postal_code" validate:"required,max=16"`
}

func (a AddressInput) toModel() models.Address {
	return models.Address{
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		State:      a.State,
		PostalCode: a.PostalCode,
	}
}

// SubmitResult is returned as soon as the order is persisted.
type SubmitResult struct {
	OrderID           uuid.UUID               `json:"order_id"`
	PaymentStatus     enums.PaymentStatus     `json:"payment_status"`
	FulfillmentStatus enums.FulfillmentStatus `json:"fulfillment_status"`
	Total             string                  `json:"total"`
}

// StatusView is the read-only projection returned by status queries.
type StatusView struct {
	OrderID           uuid.UUID               `json:"order_id"`
	Kind              enums.OrderKind         `json:"kind"`
	PaymentStatus     enums.PaymentStatus     `json:"payment_status"`
	FulfillmentStatus enums.FulfillmentStatus `json:"fulfillment_status"`
	FailureReason     *enums.FailureReason    `json:"failure_reason,omitempty"`
	LastRetryReason   *enums.RetryReason      `json:"last_retry_reason,omitempty"`
	Subtotal          string                  `json:"subtotal"`
	Tax               string                  `json:"tax"`
	DeliveryFee       string                  `json:"delivery_fee"`
	Total             string                  `json:"total"`
	Attempts          int                     `json:"attempts"`
	CreatedAt         time.Time               `json:"created_at"`
	UpdatedAt         time.Time               `json:"updated_at"`
	FinalizedAt       *time.Time              `json:"finalized_at,omitempty"`
}

func newStatusView(o *models.Order) StatusView {
	return StatusView{
		OrderID:           o.ID,
		Kind:              o.Kind,
		PaymentStatus:     o.PaymentStatus,
		FulfillmentStatus: o.FulfillmentStatus,
		FailureReason:     o.FailureReason,
		LastRetryReason:   o.LastRetryReason,
		Subtotal:          FormatCents(o.SubtotalCents),
		Tax:               FormatCents(o.TaxCents),
		DeliveryFee:       FormatCents(o.DeliveryFeeCents),
		Total:             FormatCents(o.TotalCents),
		Attempts:          o.Attempts,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
		FinalizedAt:       o.FinalizedAt,
	}
}
