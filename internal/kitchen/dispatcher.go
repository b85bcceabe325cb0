// Package kitchen hands finalized orders to the kitchen. The outbox
// dispatcher stores an order_finalized event that cmd/outbox-publisher
// forwards to Pub/Sub; the log dispatcher is used when no database is
// configured.
package kitchen

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
	"github.com/angelmondragon/ringorder-backend/pkg/outbox"
	"github.com/angelmondragon/ringorder-backend/pkg/outbox/payloads"
)

const (
	eventSource  = "worker"
	eventVersion = 1
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type eventWriter interface {
	AppendOnce(ctx context.Context, tx *gorm.DB, event outbox.Event) (bool, error)
}

// OutboxDispatcher records the kitchen ticket as an outbox event.
type OutboxDispatcher struct {
	tx     txRunner
	writer eventWriter
}

func NewOutboxDispatcher(tx txRunner, writer eventWriter) (*OutboxDispatcher, error) {
	if tx == nil {
		return nil, errors.New("transaction runner is required")
	}
	if writer == nil {
		return nil, errors.New("outbox writer is required")
	}
	return &OutboxDispatcher{tx: tx, writer: writer}, nil
}

// Dispatch emits at most one order_finalized event per order.
func (d *OutboxDispatcher) Dispatch(ctx context.Context, order *models.Order) error {
	if order == nil {
		return errors.New("order is required")
	}
	ticket := Ticket(order)
	return d.tx.WithTx(ctx, func(tx *gorm.DB) error {
		_, err := d.writer.AppendOnce(ctx, tx, outbox.Event{
			Type:        enums.EventOrderFinalized,
			Aggregate:   enums.AggregateOrder,
			AggregateID: order.ID,
			Source:      eventSource,
			Version:     eventVersion,
			OccurredAt:  ticket.FinalizedAt,
			Data:        ticket,
		})
		return err
	})
}

// LogDispatcher writes the ticket to the structured log.
type LogDispatcher struct {
	logg *logger.Logger
}

func NewLogDispatcher(logg *logger.Logger) *LogDispatcher {
	if logg == nil {
		logg = logger.Nop()
	}
	return &LogDispatcher{logg: logg}
}

func (d *LogDispatcher) Dispatch(ctx context.Context, order *models.Order) error {
	if order == nil {
		return errors.New("order is required")
	}
	ticket := Ticket(order)
	ctx = d.logg.WithFields(ctx, map[string]any{
		"order_id":    ticket.OrderID.String(),
		"kind":        ticket.Kind,
		"item_count":  len(ticket.Items),
		"total_cents": ticket.TotalCents,
	})
	d.logg.Info(ctx, "kitchen ticket ready")
	return nil
}

// Ticket builds the kitchen ticket for a finalized order.
func Ticket(order *models.Order) payloads.OrderFinalizedEvent {
	items := make([]payloads.TicketItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, payloads.TicketItem{
			Name:     item.Name,
			Quantity: item.Quantity,
			Notes:    item.Notes,
		})
	}

	ticket := payloads.OrderFinalizedEvent{
		OrderID:          order.ID,
		Kind:             order.Kind,
		Items:            items,
		PickupTime:       order.PickupTime,
		CustomerName:     order.CustomerName,
		CustomerPhone:    order.CustomerPhone,
		CustomerLanguage: order.CustomerLanguage,
		TotalCents:       order.TotalCents,
	}
	if addr := order.NormalizedAddress; addr != nil {
		ticket.DeliveryAddress = ticketAddress(addr)
	} else if order.DeliveryAddress != nil {
		ticket.DeliveryAddress = ticketAddress(order.DeliveryAddress)
	}
	if order.CustomerEmail != nil {
		ticket.CustomerEmail = *order.CustomerEmail
	}
	if order.PaymentReference != nil {
		ticket.PaymentReference = *order.PaymentReference
	}
	if order.CallID != nil {
		ticket.CallID = *order.CallID
	}
	if order.FinalizedAt != nil {
		ticket.FinalizedAt = order.FinalizedAt.UTC()
	} else {
		ticket.FinalizedAt = time.Now().UTC()
	}
	return ticket
}

func ticketAddress(addr *models.Address) *payloads.TicketAddress {
	return &payloads.TicketAddress{
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Formatted:  addr.Formatted,
	}
}
