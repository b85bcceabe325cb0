package payloads

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/ringorder-backend/pkg/enums"
)

// TicketItem is one line the kitchen has to prepare.
type TicketItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Notes    string `json:"notes,omitempty"`
}

// TicketAddress is the verified delivery destination.
type TicketAddress struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Formatted  string `json:"formatted,omitempty"`
}

// OrderFinalizedEvent is the kitchen ticket for a paid, verified order. The
// customer fields let subscribers send the order confirmation.
type OrderFinalizedEvent struct {
	OrderID          uuid.UUID       `json:"order_id"`
	Kind             enums.OrderKind `json:"kind"`
	Items            []TicketItem    `json:"items"`
	DeliveryAddress  *TicketAddress  `json:"delivery_address,omitempty"`
	PickupTime       *time.Time      `json:"pickup_time,omitempty"`
	CustomerName     string          `json:"customer_name"`
	CustomerPhone    string          `json:"customer_phone"`
	CustomerEmail    string          `json:"customer_email,omitempty"`
	CustomerLanguage string          `json:"customer_language"`
	TotalCents       int64           `json:"total_cents"`
	PaymentReference string          `json:"payment_reference,omitempty"`
	CallID           string          `json:"call_id,omitempty"`
	FinalizedAt      time.Time       `json:"finalized_at"`
}

// Validate rejects tickets the kitchen could not act on.
func (e *OrderFinalizedEvent) Validate() error {
	if e.OrderID == uuid.Nil {
		return errors.New("ticket has no order id")
	}
	if len(e.Items) == 0 {
		return errors.New("ticket has no items")
	}
	for i, item := range e.Items {
		if item.Quantity <= 0 {
			return fmt.Errorf("item %d has quantity %d", i, item.Quantity)
		}
	}
	if e.Kind.NeedsAddress() && e.DeliveryAddress == nil {
		return errors.New("delivery ticket has no address")
	}
	return nil
}
