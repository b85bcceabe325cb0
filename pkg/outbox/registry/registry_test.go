package registry

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/ringorder-backend/pkg/config"
	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
	"github.com/angelmondragon/ringorder-backend/pkg/outbox"
	"github.com/angelmondragon/ringorder-backend/pkg/outbox/payloads"
)

func testRegistry(t *testing.T) *EventRegistry {
	t.Helper()
	reg, err := NewEventRegistry(config.PubSubConfig{KitchenTopic: "kitchen-tickets"})
	require.NoError(t, err)
	return reg
}

func envelope(t *testing.T, data any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	body, err := json.Marshal(outbox.Envelope{
		Version:    1,
		EventID:    uuid.NewString(),
		OccurredAt: time.Now().UTC(),
		Data:       raw,
	})
	require.NoError(t, err)
	return body
}

func ticketRow(t *testing.T, ticket any) models.OutboxEvent {
	t.Helper()
	return models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     enums.EventOrderFinalized,
		AggregateType: enums.AggregateOrder,
		AggregateID:   uuid.New(),
		Payload:       envelope(t, ticket),
	}
}

func pickupTicket() payloads.OrderFinalizedEvent {
	return payloads.OrderFinalizedEvent{
		OrderID:       uuid.New(),
		Kind:          enums.OrderKindPickup,
		Items:         []payloads.TicketItem{{Name: "Margherita", Quantity: 2}},
		CustomerName:  "Ada",
		CustomerPhone: "+15550100",
		TotalCents:    2400,
	}
}

func TestResolveDecodesKitchenTicket(t *testing.T) {
	reg := testRegistry(t)
	ticket := pickupTicket()

	resolved, err := reg.Resolve(ticketRow(t, ticket))
	require.NoError(t, err)
	require.Equal(t, "kitchen-tickets", resolved.Route.Topic)
	require.Equal(t, 1, resolved.Envelope.Version)

	got, ok := resolved.Payload.(*payloads.OrderFinalizedEvent)
	require.True(t, ok, "payload type %T", resolved.Payload)
	require.Equal(t, ticket.OrderID, got.OrderID)
	require.Equal(t, int64(2400), got.TotalCents)
}

func TestResolveFailuresArePermanent(t *testing.T) {
	reg := testRegistry(t)

	delivery := pickupTicket()
	delivery.Kind = enums.OrderKindDelivery
	empty := pickupTicket()
	empty.Items = nil

	unknown := ticketRow(t, pickupTicket())
	unknown.EventType = "order_vanished"
	wrongAggregate := ticketRow(t, pickupTicket())
	wrongAggregate.AggregateType = "call"
	noAggregate := ticketRow(t, pickupTicket())
	noAggregate.AggregateID = uuid.Nil
	broken := ticketRow(t, pickupTicket())
	broken.Payload = json.RawMessage(`{"data":`)

	cases := map[string]models.OutboxEvent{
		"unknown event":            unknown,
		"aggregate mismatch":       wrongAggregate,
		"missing aggregate":        noAggregate,
		"broken envelope":          broken,
		"null data":                ticketRow(t, nil),
		"ticket without items":     ticketRow(t, empty),
		"delivery without address": ticketRow(t, delivery),
	}
	for name, row := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Resolve(row)
			require.ErrorIs(t, err, ErrPermanent)
		})
	}
}

func TestPermanentWrapsCause(t *testing.T) {
	cause := errors.New("topic deleted")
	err := Permanent(cause)
	require.ErrorIs(t, err, ErrPermanent)
	require.ErrorIs(t, err, cause)
	require.NoError(t, Permanent(nil))
}

func TestNewEventRegistryRequiresKitchenTopic(t *testing.T) {
	_, err := NewEventRegistry(config.PubSubConfig{})
	require.Error(t, err)
	require.Equal(t, []string{"kitchen-tickets"}, testRegistry(t).Topics())
}
