package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/ringorder-backend/internal/ledger"
	"github.com/angelmondragon/ringorder-backend/internal/orders"
	"github.com/angelmondragon/ringorder-backend/internal/queue"
	"github.com/angelmondragon/ringorder-backend/internal/verification"
	"github.com/angelmondragon/ringorder-backend/pkg/config"
	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
	"github.com/angelmondragon/ringorder-backend/pkg/maps"
)

type pipeline struct {
	repo    *orders.MemoryRepository
	service orders.Service
	queue   *queue.Memory
	ledger  *ledger.Ledger
	cancel  context.CancelFunc
	done    chan error
}

func startPipeline(t *testing.T, workers int, payment verification.PaymentVerifier, address verification.AddressVerifier) *pipeline {
	t.Helper()
	repo := orders.NewMemoryRepository()
	q := queue.NewMemory(queue.MemoryOptions{Lease: 30 * time.Second, Poll: time.Millisecond})

	store, err := ledger.OpenFileStore(t.TempDir(), enums.LedgerStreamOrders)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ledg, err := ledger.New(ledger.Params{Stream: enums.LedgerStreamOrders, Store: store, Locker: ledger.NewLocalLocker(), LockWait: 5 * time.Second})
	require.NoError(t, err)

	svc, err := orders.NewService(orders.ServiceParams{
		Repo:  repo,
		Queue: q,
		Pricer: orders.NewPricer(config.PricingConfig{
			TaxRate:     decimal.RequireFromString("0.08875"),
			DeliveryFee: decimal.RequireFromString("5.99"),
		}),
	})
	require.NoError(t, err)

	proc, err := NewProcessor(ProcessorParams{
		Orders:      repo,
		States:      orders.NewStateMachine(repo, time.Minute),
		Queue:       q,
		Ledger:      ledg,
		Payment:     payment,
		Address:     address,
		InstanceID:  "scenario",
		MaxAttempts: 4,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})
	require.NoError(t, err)
	pool, err := NewPool(PoolParams{Queue: q, Processor: proc, Workers: workers})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	p := &pipeline{repo: repo, service: svc, queue: q, ledger: ledg, cancel: cancel, done: make(chan error, 1)}
	go func() { p.done <- pool.Run(ctx) }()
	t.Cleanup(p.stop)
	return p
}

func (p *pipeline) stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	_ = p.queue.Close()
	p.cancel = nil
}

// awaitTerminal waits until n orders exist and all of them are terminal.
func (p *pipeline) awaitTerminal(t *testing.T, n int) []models.Order {
	t.Helper()
	var snapshot []models.Order
	require.Eventually(t, func() bool {
		snapshot = p.repo.Snapshot()
		if len(snapshot) != n {
			return false
		}
		for _, o := range snapshot {
			if !o.FulfillmentStatus.IsTerminal() {
				return false
			}
		}
		return true
	}, 10*time.Second, 5*time.Millisecond)
	return snapshot
}

func scenarioInput(i int) orders.SubmitInput {
	in := orders.SubmitInput{
		Items:    []orders.ItemInput{{Name: "Margherita", Quantity: 1 + i%3, UnitPrice: decimal.RequireFromString("14.50")}},
		Customer: orders.CustomerInput{Name: fmt.Sprintf("Caller %d", i), Phone: fmt.Sprintf("+1212555%04d", i)},
	}
	if i%2 == 0 {
		in.Kind = string(enums.OrderKindDelivery)
		in.DeliveryAddress = &orders.AddressInput{Line1: fmt.Sprintf("%d west 34th st", 10+i), City: "new york", State: "ny", PostalCode: "10001"}
		return in
	}
	at := time.Now().Add(time.Hour).UTC()
	in.Kind = string(enums.OrderKindPickup)
	in.PickupTime = &at
	return in
}

func submitAll(t *testing.T, svc orders.Service, n int) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := svc.Submit(context.Background(), scenarioInput(i)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func newTestZone(t *testing.T) verification.Zone {
	t.Helper()
	zone, err := verification.ParseZone("10001-10014", maps.LatLng{}, 0)
	require.NoError(t, err)
	return zone
}

func TestScenarioConcurrentOrdersRecordedOnce(t *testing.T) {
	const n = 40
	opts := verification.SimulatorOptions{Seed: 7}
	p := startPipeline(t, 8, verification.NewSimulatedPayment(opts), verification.NewSimulatedAddress(newTestZone(t), opts))

	submitAll(t, p.service, n)
	snapshot := p.awaitTerminal(t, n)
	p.stop()

	for _, o := range snapshot {
		assert.Equal(t, enums.FulfillmentStatusFinalized, o.FulfillmentStatus, "order %s", o.ID)
		assert.Equal(t, enums.PaymentStatusPaid, o.PaymentStatus, "order %s", o.ID)
	}

	entries, err := p.ledger.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, n)
	refs := make(map[string]bool, n)
	for i, entry := range entries {
		assert.Equal(t, int64(i+1), entry.Sequence)
		assert.False(t, refs[entry.RefID], "duplicate ledger entry for %s", entry.RefID)
		refs[entry.RefID] = true
	}
	audit := ledger.AuditEntries(entries)
	assert.Empty(t, audit.Duplicates)
	assert.Empty(t, audit.Corrupted)
}

func TestScenarioSimulatedFailureRates(t *testing.T) {
	const n = 50
	opts := verification.SimulatorOptions{DeclineRate: 0.10, TimeoutRate: 0.05, Seed: 42}
	payment := verification.NewSimulatedPayment(opts)
	p := startPipeline(t, 6, payment, verification.NewSimulatedAddress(newTestZone(t), verification.SimulatorOptions{Seed: 42}))

	submitAll(t, p.service, n)
	snapshot := p.awaitTerminal(t, n)
	p.stop()

	finalized, declined := 0, 0
	for _, o := range snapshot {
		switch o.FulfillmentStatus {
		case enums.FulfillmentStatusFinalized:
			finalized++
		case enums.FulfillmentStatusFailed:
			require.NotNil(t, o.FailureReason)
			assert.Equal(t, enums.FailureReasonPaymentDeclined, *o.FailureReason)
			declined++
		}
	}
	// Two timeouts are retried, so 52 charges carry floor(52*0.10) declines.
	assert.Equal(t, 45, finalized)
	assert.Equal(t, 5, declined)

	calls, declines, timeouts := payment.Stats()
	assert.Equal(t, int64(52), calls)
	assert.Equal(t, int64(5), declines)
	assert.Equal(t, int64(2), timeouts)

	entries, err := p.ledger.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, finalized)
	audit := ledger.AuditEntries(entries)
	assert.Empty(t, audit.Duplicates)
	assert.Empty(t, audit.Corrupted)
}
