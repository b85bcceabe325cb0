// Package registry maps outbox event types to their Pub/Sub topic and decodes
// stored payloads into typed values.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/ringorder-backend/pkg/config"
	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
	"github.com/angelmondragon/ringorder-backend/pkg/outbox"
	"github.com/angelmondragon/ringorder-backend/pkg/outbox/payloads"
)

// ErrPermanent marks an event that no retry can publish.
var ErrPermanent = errors.New("permanent outbox failure")

// Permanent wraps err with ErrPermanent.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

type validator interface {
	Validate() error
}

// Route describes where an event type is published.
type Route struct {
	EventType enums.OutboxEventType
	Aggregate enums.OutboxAggregateType
	Topic     string
	decode    func(json.RawMessage) (any, error)
}

// Resolved is a stored event with a decoded payload.
type Resolved struct {
	Route    Route
	Envelope outbox.Envelope
	Payload  any
}

func typedRoute[T any](eventType enums.OutboxEventType, aggregate enums.OutboxAggregateType, topic string) Route {
	return Route{
		EventType: eventType,
		Aggregate: aggregate,
		Topic:     topic,
		decode: func(raw json.RawMessage) (any, error) {
			v := new(T)
			if err := json.Unmarshal(raw, v); err != nil {
				return nil, err
			}
			if check, ok := any(v).(validator); ok {
				if err := check.Validate(); err != nil {
					return nil, err
				}
			}
			return v, nil
		},
	}
}

// EventRegistry holds the routes by event type.
type EventRegistry struct {
	routes map[enums.OutboxEventType]Route
}

// NewEventRegistry routes kitchen tickets to the configured topic.
func NewEventRegistry(cfg config.PubSubConfig) (*EventRegistry, error) {
	if cfg.KitchenTopic == "" {
		return nil, errors.New("kitchen topic is required")
	}
	return &EventRegistry{routes: map[enums.OutboxEventType]Route{
		enums.EventOrderFinalized: typedRoute[payloads.OrderFinalizedEvent](enums.EventOrderFinalized, enums.AggregateOrder, cfg.KitchenTopic),
	}}, nil
}

// Topics lists the topics the registry publishes to.
func (r *EventRegistry) Topics() []string {
	seen := make(map[string]struct{}, len(r.routes))
	var out []string
	for _, route := range r.routes {
		if _, ok := seen[route.Topic]; ok {
			continue
		}
		seen[route.Topic] = struct{}{}
		out = append(out, route.Topic)
	}
	return out
}

// Resolve decodes the row. Every error it returns is permanent.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*Resolved, error) {
	route, ok := r.routes[event.EventType]
	if !ok {
		return nil, Permanent(fmt.Errorf("no route for event type %q", event.EventType))
	}
	if event.AggregateType != route.Aggregate {
		return nil, Permanent(fmt.Errorf("event %s belongs to %s, row says %s", event.EventType, route.Aggregate, event.AggregateType))
	}
	if event.AggregateID == uuid.Nil {
		return nil, Permanent(errors.New("aggregate id is empty"))
	}
	env, err := outbox.DecodeEnvelope(event.Payload)
	if err != nil {
		return nil, Permanent(err)
	}
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || string(data) == "null" {
		return nil, Permanent(fmt.Errorf("%s has no data", event.EventType))
	}
	payload, err := route.decode(data)
	if err != nil {
		return nil, Permanent(fmt.Errorf("decode %s: %w", event.EventType, err))
	}
	return &Resolved{Route: route, Envelope: env, Payload: payload}, nil
}
