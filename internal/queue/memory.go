package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultLease = 2 * time.Minute
	defaultPoll  = 100 * time.Millisecond
)

// Stats is a point-in-time count of the queue's structures.
type Stats struct {
	Ready    int64 `json:"ready"`
	Delayed  int64 `json:"delayed"`
	Inflight int64 `json:"inflight"`
}

// MemoryOptions tunes the in-process queue.
type MemoryOptions struct {
	Lease time.Duration
	// Poll bounds how long an idle Dequeue sleeps before rechecking leases.
	Poll time.Duration
	Now  func() time.Time
}

type lease struct {
	task   Task
	expiry time.Time
}

// Memory is the single-process queue. Every operation runs under one mutex.
type Memory struct {
	mu       sync.Mutex
	ready    []Task
	delayed  delayHeap
	inflight map[string]lease
	seq      uint64
	closed   bool
	wake     chan struct{}

	lease time.Duration
	poll  time.Duration
	now   func() time.Time
}

func NewMemory(opts MemoryOptions) *Memory {
	if opts.Lease <= 0 {
		opts.Lease = defaultLease
	}
	if opts.Poll <= 0 {
		opts.Poll = defaultPoll
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Memory{
		inflight: map[string]lease{},
		wake:     make(chan struct{}, 1),
		lease:    opts.Lease,
		poll:     opts.Poll,
		now:      opts.Now,
	}
}

func (m *Memory) Enqueue(_ context.Context, task Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.enqueueLocked(task)
	return nil
}

func (m *Memory) enqueueLocked(task Task) {
	if task.NotBefore.After(m.now()) {
		m.seq++
		heap.Push(&m.delayed, delayed{task: task, seq: m.seq})
	} else {
		m.ready = append(m.ready, task)
	}
	m.signal()
}

func (m *Memory) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		now := m.now()
		m.promoteLocked(now)
		if len(m.ready) > 0 {
			task := m.ready[0]
			m.ready = m.ready[1:]
			receipt := uuid.NewString()
			expiry := now.Add(m.lease)
			m.inflight[receipt] = lease{task: task, expiry: expiry}
			if len(m.ready) > 0 {
				m.signal()
			}
			m.mu.Unlock()
			return &Delivery{Task: task, LeaseExpiry: expiry, receipt: receipt}, nil
		}
		wait := m.nextWakeLocked(now)
		m.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-m.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (m *Memory) Ack(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ackLocked(d)
}

func (m *Memory) Retry(_ context.Context, d *Delivery, next Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.enqueueLocked(next)
	return m.ackLocked(d)
}

// Stats reports the current sizes.
func (m *Memory) Stats(context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Ready: int64(len(m.ready)), Delayed: int64(m.delayed.Len()), Inflight: int64(len(m.inflight))}, nil
}

// Close wakes blocked consumers; later calls return ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	close(m.wake)
	return nil
}

func (m *Memory) ackLocked(d *Delivery) error {
	if d == nil {
		return ErrUnknownDelivery
	}
	l, ok := m.inflight[d.receipt]
	if !ok {
		return ErrUnknownDelivery
	}
	if !m.now().Before(l.expiry) {
		// Too late; the task goes back out.
		delete(m.inflight, d.receipt)
		m.ready = append([]Task{l.task}, m.ready...)
		m.signal()
		return ErrUnknownDelivery
	}
	delete(m.inflight, d.receipt)
	return nil
}

// promoteLocked moves expired leases to the head of ready, then appends
// delayed tasks that are due.
func (m *Memory) promoteLocked(now time.Time) {
	var expired []Task
	for receipt, l := range m.inflight {
		if !now.Before(l.expiry) {
			expired = append(expired, l.task)
			delete(m.inflight, receipt)
		}
	}
	if len(expired) > 0 {
		m.ready = append(expired, m.ready...)
	}
	for m.delayed.Len() > 0 && !m.delayed[0].task.NotBefore.After(now) {
		item := heap.Pop(&m.delayed).(delayed)
		m.ready = append(m.ready, item.task)
	}
}

func (m *Memory) nextWakeLocked(now time.Time) time.Duration {
	wait := m.poll
	if m.delayed.Len() > 0 {
		if d := m.delayed[0].task.NotBefore.Sub(now); d < wait {
			wait = d
		}
	}
	for _, l := range m.inflight {
		if d := l.expiry.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

func (m *Memory) signal() {
	if m.closed {
		return
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

type delayed struct {
	task Task
	seq  uint64
}

// delayHeap orders by NotBefore, then by enqueue order.
type delayHeap []delayed

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if h[i].task.NotBefore.Equal(h[j].task.NotBefore) {
		return h[i].seq < h[j].seq
	}
	return h[i].task.NotBefore.Before(h[j].task.NotBefore)
}
func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)   { *h = append(*h, x.(delayed)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
