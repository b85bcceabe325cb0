package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/angelmondragon/ringorder-backend/internal/queue"
	"github.com/angelmondragon/ringorder-backend/pkg/backoff"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
)

const (
	defaultWorkers      = 4
	dequeueErrorBackoff = 100 * time.Millisecond
	maxDequeueBackoff   = 5 * time.Second
)

type dequeuer interface {
	Dequeue(ctx context.Context) (*queue.Delivery, error)
}

type deliveryProcessor interface {
	Process(ctx context.Context, d *queue.Delivery) (Outcome, error)
}

// PoolParams wires a Pool.
type PoolParams struct {
	Queue     dequeuer
	Processor deliveryProcessor
	Workers   int
	Logger    *logger.Logger
}

// Pool runs a fixed number of goroutines that each dequeue and process one
// delivery at a time.
type Pool struct {
	queue     dequeuer
	processor deliveryProcessor
	workers   int
	logg      *logger.Logger
	panics    atomic.Int64
}

func NewPool(params PoolParams) (*Pool, error) {
	if params.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if params.Processor == nil {
		return nil, errors.New("processor is required")
	}
	if params.Workers <= 0 {
		params.Workers = defaultWorkers
	}
	if params.Logger == nil {
		params.Logger = logger.Nop()
	}
	return &Pool{queue: params.Queue, processor: params.Processor, workers: params.Workers, logg: params.Logger}, nil
}

// Run blocks until ctx is done or the queue closes. A delivery in progress
// when ctx ends runs to completion.
func (p *Pool) Run(ctx context.Context) error {
	p.logg.Info(ctx, fmt.Sprintf("starting worker pool with %d workers", p.workers))

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.loop(p.logg.WithField(ctx, "worker", n))
		}(i)
	}
	wg.Wait()

	p.logg.Info(p.logg.WithField(ctx, "panics", p.Panics()), "worker pool stopped")
	return nil
}

func (p *Pool) loop(ctx context.Context) {
	pause := time.Duration(0)
	for {
		delivery, err := p.queue.Dequeue(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil, errors.Is(err, queue.ErrClosed):
			return
		default:
			p.logg.Error(ctx, "dequeue failed", err)
			pause = backoff.Next(pause, dequeueErrorBackoff, maxDequeueBackoff)
			if serr := sleep(ctx, backoff.WithJitter(pause, dequeueErrorBackoff)); serr != nil {
				return
			}
			continue
		}
		pause = 0

		p.processSafely(context.WithoutCancel(ctx), delivery)
	}
}

// processSafely keeps the worker alive when Process panics. The unacked
// delivery is handed out again once its lease expires. Ordinary process
// errors are logged by the processor.
func (p *Pool) processSafely(ctx context.Context, d *queue.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logg.Defect(p.logg.WithField(ctx, "task_id", d.Task.ID.String()), "worker panicked", fmt.Errorf("panic processing task: %v", r))
		}
	}()
	_, _ = p.processor.Process(ctx, d)
}

// Panics reports how many deliveries panicked outside the processor's own
// recovery since the pool was built.
func (p *Pool) Panics() int64 { return p.panics.Load() }

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
