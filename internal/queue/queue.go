// Package queue hands finalization work from intake to the worker pool with
// at-least-once delivery. Each delivery carries a lease; a delivery that is
// not acked before its lease expires is handed out again.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/ringorder-backend/pkg/enums"
)

var (
	// ErrUnknownDelivery is returned when acking a delivery whose lease already
	// expired (and may have been redelivered) or that never existed.
	ErrUnknownDelivery = errors.New("queue: unknown or expired delivery")
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue: closed")
)

// Task is one unit of finalization work. Retry state travels on the task so
// a restarted worker picks up where the last one stopped.
type Task struct {
	ID              uuid.UUID         `json:"id"`
	OrderID         uuid.UUID         `json:"order_id"`
	Attempt         int               `json:"attempt"`
	EnqueuedAt      time.Time         `json:"enqueued_at"`
	NotBefore       time.Time         `json:"not_before,omitempty"`
	LastRetryReason enums.RetryReason `json:"last_retry_reason,omitempty"`
}

// NewTask builds the first-attempt task emitted at intake.
func NewTask(orderID uuid.UUID, now time.Time) Task {
	return Task{
		ID:         uuid.New(),
		OrderID:    orderID,
		Attempt:    1,
		EnqueuedAt: now.UTC(),
	}
}

// Retry returns the follow-up task for the next attempt.
func (t Task) Retry(reason enums.RetryReason, notBefore, now time.Time) Task {
	return Task{
		ID:              uuid.New(),
		OrderID:         t.OrderID,
		Attempt:         t.Attempt + 1,
		EnqueuedAt:      now.UTC(),
		NotBefore:       notBefore.UTC(),
		LastRetryReason: reason,
	}
}

// Defer returns a copy of the task scheduled later without consuming an
// attempt.
func (t Task) Defer(notBefore, now time.Time) Task {
	next := t
	next.ID = uuid.New()
	next.EnqueuedAt = now.UTC()
	next.NotBefore = notBefore.UTC()
	return next
}

// Delivery is a claimed task plus the receipt needed to ack it.
type Delivery struct {
	Task        Task
	LeaseExpiry time.Time
	receipt     string
}

// Queue is safe for concurrent producers and consumers.
type Queue interface {
	// Enqueue makes the task visible no earlier than task.NotBefore.
	Enqueue(ctx context.Context, task Task) error
	// Dequeue blocks until a task is available or ctx is done.
	Dequeue(ctx context.Context) (*Delivery, error)
	// Ack removes a delivery for good.
	Ack(ctx context.Context, d *Delivery) error
	// Retry schedules next and acks d as one step; next is never lost.
	Retry(ctx context.Context, d *Delivery, next Task) error
}
