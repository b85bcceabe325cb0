package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/ringorder-backend/pkg/enums"
)

// OrderItem is one priced line on an order.
type OrderItem struct {
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Notes          string `json:"notes,omitempty"`
}

// Address is a delivery destination as supplied by the caller or returned by
// an address verifier.
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Formatted  string `json:"formatted,omitempty"`
}

// Order is a customer transaction moving through the finalization pipeline.
type Order struct {
	ID                 uuid.UUID               `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	Kind               enums.OrderKind         `gorm:"column:kind;type:text;not null" json:"kind"`
	Items              []OrderItem             `gorm:"column:items;type:jsonb;serializer:json;not null" json:"items"`
	CustomerName       string                  `gorm:"column:customer_name;not null" json:"customer_name"`
	CustomerPhone      string                  `gorm:"column:customer_phone;not null" json:"customer_phone"`
	CustomerEmail      *string                 `gorm:"column:customer_email" json:"customer_email,omitempty"`
	CustomerLanguage   string                  `gorm:"column:customer_language;not null;default:en" json:"customer_language"`
	DeliveryAddress    *Address                `gorm:"column:delivery_address;type:jsonb;serializer:json" json:"delivery_address,omitempty"`
	NormalizedAddress  *Address                `gorm:"column:normalized_address;type:jsonb;serializer:json" json:"normalized_address,omitempty"`
	PickupTime         *time.Time              `gorm:"column:pickup_time" json:"pickup_time,omitempty"`
	SubtotalCents      int64                   `gorm:"column:subtotal_cents;not null" json:"subtotal_cents"`
	TaxCents           int64                   `gorm:"column:tax_cents;not null" json:"tax_cents"`
	DeliveryFeeCents   int64                   `gorm:"column:delivery_fee_cents;not null" json:"delivery_fee_cents"`
	TotalCents         int64                   `gorm:"column:total_cents;not null" json:"total_cents"`
	PaymentStatus      enums.PaymentStatus     `gorm:"column:payment_status;type:text;not null" json:"payment_status"`
	PaymentReference   *string                 `gorm:"column:payment_reference" json:"payment_reference,omitempty"`
	PaymentSource      *string                 `gorm:"column:payment_source" json:"-"`
	FulfillmentStatus  enums.FulfillmentStatus `gorm:"column:fulfillment_status;type:text;not null" json:"fulfillment_status"`
	FailureReason      *enums.FailureReason    `gorm:"column:failure_reason;type:text" json:"failure_reason,omitempty"`
	LastRetryReason    *enums.RetryReason      `gorm:"column:last_retry_reason;type:text" json:"last_retry_reason,omitempty"`
	Attempts           int                     `gorm:"column:attempts;not null;default:0" json:"attempts"`
	ClaimedBy          *string                 `gorm:"column:claimed_by" json:"-"`
	ClaimExpiresAt     *time.Time              `gorm:"column:claim_expires_at" json:"-"`
	Transcript         *string                 `gorm:"column:transcript" json:"transcript,omitempty"`
	HandledByAI        bool                    `gorm:"column:handled_by_ai;not null;default:false" json:"handled_by_ai"`
	TransferredToHuman bool                    `gorm:"column:transferred_to_human;not null;default:false" json:"transferred_to_human"`
	CallID             *string                 `gorm:"column:call_id" json:"call_id,omitempty"`
	CreatedAt          time.Time               `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time               `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
	FinalizedAt        *time.Time              `gorm:"column:finalized_at" json:"finalized_at,omitempty"`
	DispatchedAt       *time.Time              `gorm:"column:dispatched_at" json:"dispatched_at,omitempty"`
}

func (Order) TableName() string { return "orders" }

// Clone returns a deep copy so callers can never share mutable order state.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Items = append([]OrderItem(nil), o.Items...)
	c.DeliveryAddress = cloneAddress(o.DeliveryAddress)
	c.NormalizedAddress = cloneAddress(o.NormalizedAddress)
	c.CustomerEmail = clonePtr(o.CustomerEmail)
	c.PickupTime = clonePtr(o.PickupTime)
	c.PaymentReference = clonePtr(o.PaymentReference)
	c.PaymentSource = clonePtr(o.PaymentSource)
	c.FailureReason = clonePtr(o.FailureReason)
	c.LastRetryReason = clonePtr(o.LastRetryReason)
	c.ClaimedBy = clonePtr(o.ClaimedBy)
	c.ClaimExpiresAt = clonePtr(o.ClaimExpiresAt)
	c.Transcript = clonePtr(o.Transcript)
	c.CallID = clonePtr(o.CallID)
	c.FinalizedAt = clonePtr(o.FinalizedAt)
	c.DispatchedAt = clonePtr(o.DispatchedAt)
	return &c
}

func cloneAddress(a *Address) *Address {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
