package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/ringorder-backend/pkg/backoff"
	"github.com/angelmondragon/ringorder-backend/pkg/config"
	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
	"github.com/angelmondragon/ringorder-backend/pkg/metrics"
	"github.com/angelmondragon/ringorder-backend/pkg/outbox/registry"
)

const (
	publishTimeout = 15 * time.Second
	maxIdleDelay   = 10 * time.Second
	jitterWindow   = 250 * time.Millisecond
)

type txRunner interface {
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type eventStore interface {
	ClaimPending(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublished(tx *gorm.DB, id uuid.UUID, at time.Time) error
	RecordFailure(tx *gorm.DB, id uuid.UUID, cause error) error
	DeadLetter(tx *gorm.DB, event models.OutboxEvent, reason enums.OutboxDLQErrorReason, cause error, attempts int) error
}

type resolver interface {
	Resolve(models.OutboxEvent) (*registry.Resolved, error)
}

// result is what happened to one claimed event.
type result string

const (
	resultPublished result = "published"
	resultRetry     result = "retry"
	resultDead      result = "dead"
)

type RelayParams struct {
	Outbox   config.OutboxConfig
	Logger   *logger.Logger
	DB       txRunner
	Store    eventStore
	Registry resolver
	Sender   sender
	Metrics  *metrics.OutboxMetrics
}

// Relay moves committed outbox rows to Pub/Sub. Every claimed row ends the
// batch published, with one more attempt recorded, or dead-lettered.
type Relay struct {
	logg        *logger.Logger
	db          txRunner
	store       eventStore
	registry    resolver
	sender      sender
	metrics     *metrics.OutboxMetrics
	batchSize   int
	maxAttempts int
	poll        time.Duration
}

func NewRelay(p RelayParams) (*Relay, error) {
	switch {
	case p.Logger == nil:
		return nil, errors.New("logger is required")
	case p.DB == nil:
		return nil, errors.New("database is required")
	case p.Store == nil:
		return nil, errors.New("outbox store is required")
	case p.Registry == nil:
		return nil, errors.New("event registry is required")
	case p.Sender == nil:
		return nil, errors.New("sender is required")
	}
	r := &Relay{
		logg:        p.Logger,
		db:          p.DB,
		store:       p.Store,
		registry:    p.Registry,
		sender:      p.Sender,
		metrics:     p.Metrics,
		batchSize:   p.Outbox.BatchSize,
		maxAttempts: p.Outbox.MaxAttempts,
		poll:        time.Duration(p.Outbox.PollIntervalMS) * time.Millisecond,
	}
	if r.batchSize <= 0 {
		r.batchSize = 50
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 10
	}
	if r.poll <= 0 {
		r.poll = 500 * time.Millisecond
	}
	return r, nil
}

// Run drains batches until ctx ends. An empty or failed batch backs off up to
// maxIdleDelay; a full batch is followed immediately by the next.
func (r *Relay) Run(ctx context.Context) error {
	delay := r.poll
	for {
		n, err := r.Drain(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			r.logg.Error(ctx, "outbox.batch_failed", err)
			delay = backoff.Next(delay, r.poll, maxIdleDelay)
		case n >= r.batchSize:
			delay = r.poll
			continue
		case n > 0:
			delay = r.poll
		default:
			delay = backoff.Next(delay, r.poll, maxIdleDelay)
		}
		if err := sleep(ctx, backoff.WithJitter(delay, jitterWindow)); err != nil {
			return err
		}
	}
}

// Drain handles one claimed batch and returns how many rows it claimed.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	started := time.Now()
	claimed := 0
	err := r.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := r.store.ClaimPending(tx, r.batchSize, r.maxAttempts)
		if err != nil {
			return fmt.Errorf("claim pending: %w", err)
		}
		claimed = len(rows)
		for _, row := range rows {
			if err := r.handle(ctx, tx, row); err != nil {
				return err
			}
		}
		return nil
	})
	if claimed > 0 {
		r.metrics.ObserveBatch(time.Since(started))
	}
	return claimed, err
}

func (r *Relay) handle(ctx context.Context, tx *gorm.DB, row models.OutboxEvent) error {
	fields := map[string]any{
		"event_id":     row.ID.String(),
		"event_type":   row.EventType,
		"aggregate_id": row.AggregateID.String(),
		"attempt":      row.AttemptCount + 1,
	}
	topic := ""
	resolved, err := r.registry.Resolve(row)
	if err == nil {
		topic = resolved.Route.Topic
		fields["topic"] = topic
		err = r.send(ctx, topic, row, resolved)
	}
	res, reason := r.classify(row, err)
	lctx := r.logg.WithFields(ctx, fields)

	var markErr error
	switch res {
	case resultPublished:
		markErr = r.store.MarkPublished(tx, row.ID, time.Now())
		r.logg.Info(lctx, "outbox.published")
	case resultRetry:
		markErr = r.store.RecordFailure(tx, row.ID, err)
		r.logg.Warn(r.logg.WithField(lctx, "error", err.Error()), "outbox.publish_retry")
	case resultDead:
		markErr = r.store.DeadLetter(tx, row, reason, err, row.AttemptCount+1)
		r.logg.Warn(r.logg.WithFields(lctx, map[string]any{
			"error":  err.Error(),
			"reason": reason,
		}), "outbox.dead_lettered")
	}
	if markErr != nil {
		return fmt.Errorf("record %s for %s: %w", res, row.ID, markErr)
	}
	r.metrics.IncEvent(topic, string(res))
	return nil
}

func (r *Relay) classify(row models.OutboxEvent, err error) (result, enums.OutboxDLQErrorReason) {
	switch {
	case err == nil:
		return resultPublished, ""
	case errors.Is(err, registry.ErrPermanent):
		return resultDead, enums.OutboxDLQReasonNonRetryable
	case row.AttemptCount+1 >= r.maxAttempts:
		return resultDead, enums.OutboxDLQReasonMaxAttempts
	default:
		return resultRetry, ""
	}
}

func (r *Relay) send(ctx context.Context, topic string, row models.OutboxEvent, resolved *registry.Resolved) error {
	msg := &gcppubsub.Message{
		Data: row.Payload,
		Attributes: map[string]string{
			"event_id":     resolved.Envelope.EventID,
			"event_type":   string(row.EventType),
			"aggregate_id": row.AggregateID.String(),
			"version":      fmt.Sprint(resolved.Envelope.Version),
			"occurred_at":  resolved.Envelope.OccurredAt.Format(time.RFC3339Nano),
		},
	}
	sendCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	_, err := r.sender.Send(sendCtx, topic, msg)
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
