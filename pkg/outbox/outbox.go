// Package outbox stores domain events in the transaction that produced them.
// cmd/outbox-publisher drains the table to Pub/Sub.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
)

// eventNamespace seeds the name-based event ids.
var eventNamespace = uuid.MustParse("4f1f6a2e-8d0c-4b7e-9a53-2f6c1d0e7b91")

// Event is a domain event about one aggregate.
type Event struct {
	Type        enums.OutboxEventType
	Aggregate   enums.OutboxAggregateType
	AggregateID uuid.UUID
	Source      string
	Version     int
	OccurredAt  time.Time
	Data        any
}

// Envelope is stored in outbox_events.payload and becomes the message body.
type Envelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Source     string          `json:"source,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// EventID is stable for a (type, aggregate) pair, so a re-emitted event keeps
// the id subscribers deduplicate on.
func EventID(eventType enums.OutboxEventType, aggregate enums.OutboxAggregateType, aggregateID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(eventNamespace, []byte(fmt.Sprintf("%s/%s/%s", eventType, aggregate, aggregateID)))
}

// DecodeEnvelope parses a stored payload.
func DecodeEnvelope(raw json.RawMessage) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

func (e Event) validate() error {
	switch {
	case e.Type == "":
		return fmt.Errorf("event type is required")
	case e.Aggregate == "":
		return fmt.Errorf("aggregate type is required")
	case e.AggregateID == uuid.Nil:
		return fmt.Errorf("aggregate id is required")
	}
	return nil
}

// row renders the event as an outbox_events row.
func (e Event) row() (models.OutboxEvent, error) {
	if err := e.validate(); err != nil {
		return models.OutboxEvent{}, err
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return models.OutboxEvent{}, fmt.Errorf("encode %s data: %w", e.Type, err)
	}
	occurred := e.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	id := EventID(e.Type, e.Aggregate, e.AggregateID)
	body, err := json.Marshal(Envelope{
		Version:    e.Version,
		EventID:    id.String(),
		OccurredAt: occurred.UTC(),
		Source:     e.Source,
		Data:       data,
	})
	if err != nil {
		return models.OutboxEvent{}, err
	}
	return models.OutboxEvent{
		ID:            id,
		EventType:     e.Type,
		AggregateType: e.Aggregate,
		AggregateID:   e.AggregateID,
		Payload:       body,
	}, nil
}
