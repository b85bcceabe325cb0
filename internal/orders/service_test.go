package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/ringorder-backend/internal/queue"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/ringorder-backend/pkg/errors"
)

type stubQueue struct {
	mu       sync.Mutex
	failures int
	calls    int
	tasks    []queue.Task
}

func (q *stubQueue) Enqueue(_ context.Context, task queue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.failures > 0 {
		q.failures--
		return errors.New("queue unavailable")
	}
	q.tasks = append(q.tasks, task)
	return nil
}

type stubSubmitMetrics struct {
	submitted       map[string]int
	enqueueFailures int
}

func (m *stubSubmitMetrics) IncSubmitted(kind string) {
	if m.submitted == nil {
		m.submitted = map[string]int{}
	}
	m.submitted[kind]++
}

func (m *stubSubmitMetrics) IncEnqueueFailure() { m.enqueueFailures++ }

func newTestService(t *testing.T, repo Repository, q *stubQueue, metrics *stubSubmitMetrics) Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		Repo:           repo,
		Queue:          q,
		Pricer:         testPricer(),
		Metrics:        metrics,
		EnqueueBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func pickupInput() SubmitInput {
	at := time.Date(2026, 3, 1, 18, 30, 0, 0, time.UTC)
	return SubmitInput{
		Kind: "pickup",
		Items: []ItemInput{
			{Name: "Margherita", Quantity: 1, UnitPrice: decimal.RequireFromString("14.50")},
			{Name: "Soda", Quantity: 2, UnitPrice: decimal.RequireFromString("2.25")},
		},
		Customer:   CustomerInput{Name: "Dana Ruiz", Phone: "+12125550100"},
		PickupTime: &at,
	}
}

func deliveryInput() SubmitInput {
	return SubmitInput{
		Kind:     "delivery",
		Items:    []ItemInput{{Name: "Pepperoni", Quantity: 2, UnitPrice: decimal.RequireFromString("16.00")}},
		Customer: CustomerInput{Name: "Lee Park", Phone: "+12125550111"},
		DeliveryAddress: &AddressInput{
			Line1:      "350 5th Ave",
			City:       "New York",
			State:      "NY",
			PostalCode: "10118",
		},
	}
}

func TestServiceSubmitPersistsAndEnqueues(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	q := &stubQueue{}
	metrics := &stubSubmitMetrics{}
	svc := newTestService(t, repo, q, metrics)

	res, err := svc.Submit(context.Background(), deliveryInput())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.PaymentStatus != enums.PaymentStatusPending || res.FulfillmentStatus != enums.FulfillmentStatusIntake {
		t.Fatalf("unexpected statuses: %+v", res)
	}
	// 3200 + 284 tax + 599 fee
	if res.Total != "40.83" {
		t.Fatalf("unexpected total %s", res.Total)
	}

	stored, err := repo.FindByID(context.Background(), res.OrderID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.TotalCents != stored.SubtotalCents+stored.TaxCents+stored.DeliveryFeeCents {
		t.Fatalf("stored totals inconsistent: %+v", stored)
	}
	if stored.DeliveryAddress == nil || stored.DeliveryAddress.PostalCode != "10118" {
		t.Fatalf("delivery address not stored: %+v", stored.DeliveryAddress)
	}
	if stored.CustomerLanguage != "en" {
		t.Fatalf("expected default language, got %q", stored.CustomerLanguage)
	}

	if len(q.tasks) != 1 {
		t.Fatalf("expected exactly one task, got %d", len(q.tasks))
	}
	if q.tasks[0].OrderID != res.OrderID || q.tasks[0].Attempt != 1 {
		t.Fatalf("unexpected task: %+v", q.tasks[0])
	}
	if metrics.submitted["delivery"] != 1 {
		t.Fatalf("expected submitted metric, got %+v", metrics.submitted)
	}
}

func TestServiceSubmitRetriesEnqueue(t *testing.T) {
	t.Parallel()

	q := &stubQueue{failures: 2}
	metrics := &stubSubmitMetrics{}
	svc := newTestService(t, NewMemoryRepository(), q, metrics)

	if _, err := svc.Submit(context.Background(), pickupInput()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if q.calls != 3 || len(q.tasks) != 1 {
		t.Fatalf("expected success on third try, calls=%d tasks=%d", q.calls, len(q.tasks))
	}
	if metrics.enqueueFailures != 0 {
		t.Fatalf("unexpected enqueue failure metric")
	}
}

func TestServiceSubmitAcceptsWhenQueueDown(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	q := &stubQueue{failures: 10}
	metrics := &stubSubmitMetrics{}
	svc := newTestService(t, repo, q, metrics)

	res, err := svc.Submit(context.Background(), pickupInput())
	if err != nil {
		t.Fatalf("submit should still be accepted: %v", err)
	}
	if q.calls != defaultEnqueueAttempts {
		t.Fatalf("expected %d enqueue attempts, got %d", defaultEnqueueAttempts, q.calls)
	}
	if metrics.enqueueFailures != 1 {
		t.Fatalf("expected enqueue failure to be counted")
	}
	stored, err := repo.FindByID(context.Background(), res.OrderID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.FulfillmentStatus != enums.FulfillmentStatusIntake {
		t.Fatalf("order should remain in intake, got %s", stored.FulfillmentStatus)
	}
}

func TestServiceSubmitValidation(t *testing.T) {
	t.Parallel()

	badEmail := "not-an-email"
	cases := []struct {
		name   string
		mutate func(*SubmitInput)
		reason string
	}{
		{"unknown kind", func(in *SubmitInput) { in.Kind = "drone" }, ReasonInvalidKind},
		{"no items", func(in *SubmitInput) { in.Items = nil }, ReasonEmptyItems},
		{"zero quantity", func(in *SubmitInput) { in.Items[0].Quantity = 0 }, ReasonInvalidQuantity},
		{"missing name", func(in *SubmitInput) { in.Customer.Name = "" }, ReasonMissingField},
		{"bad email", func(in *SubmitInput) { in.Customer.Email = &badEmail }, ReasonInvalidEmail},
		{"negative price", func(in *SubmitInput) { in.Items[0].UnitPrice = decimal.RequireFromString("-1.00") }, ReasonNegativePrice},
		{"three decimals", func(in *SubmitInput) { in.Items[0].UnitPrice = decimal.RequireFromString("1.005") }, ReasonInvalidPricePrecision},
		{"price past int64 cents", func(in *SubmitInput) {
			in.Items = []ItemInput{{Name: "Gold Pie", Quantity: 1, UnitPrice: decimal.RequireFromString("184467440737095516.17")}}
		}, ReasonPriceTooLarge},
		{"price above cap", func(in *SubmitInput) {
			in.Items = []ItemInput{{Name: "Gold Pie", Quantity: 1000, UnitPrice: decimal.RequireFromString("18446744073709551.62")}}
		}, ReasonPriceTooLarge},
		{"pickup without time", func(in *SubmitInput) { in.PickupTime = nil }, ReasonMissingPickupTime},
		{"pickup with address", func(in *SubmitInput) {
			in.DeliveryAddress = &AddressInput{Line1: "1 Main", City: "NYC", State: "NY", PostalCode: "10001"}
		}, ReasonUnexpectedAddress},
		{"delivery without address", func(in *SubmitInput) {
			in.Kind = "delivery"
			in.PickupTime = nil
		}, ReasonMissingDeliveryAddress},
		{"delivery with pickup time", func(in *SubmitInput) {
			in.Kind = "delivery"
			in.DeliveryAddress = &AddressInput{Line1: "1 Main", City: "NYC", State: "NY", PostalCode: "10001"}
		}, ReasonUnexpectedPickupTime},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			repo := NewMemoryRepository()
			q := &stubQueue{}
			svc := newTestService(t, repo, q, nil)

			input := pickupInput()
			tc.mutate(&input)
			_, err := svc.Submit(context.Background(), input)
			typed := pkgerrors.As(err)
			if typed == nil || typed.Code() != pkgerrors.CodeValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
			if typed.Reason() != tc.reason {
				t.Fatalf("expected reason %s, got %s (%v)", tc.reason, typed.Reason(), err)
			}
			if q.calls != 0 || len(repo.Snapshot()) != 0 {
				t.Fatalf("validation failure must have no side effects")
			}
		})
	}
}

func TestServiceSubmitPricesLargestOrderExactly(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	svc := newTestService(t, repo, &stubQueue{}, nil)

	input := pickupInput()
	input.Items = []ItemInput{{Name: "Catering Tray", Quantity: 1000, UnitPrice: MaxUnitPrice}}
	if _, err := svc.Submit(context.Background(), input); err != nil {
		t.Fatalf("submit: %v", err)
	}

	saved := repo.Snapshot()
	if len(saved) != 1 {
		t.Fatalf("expected one stored order, got %d", len(saved))
	}
	if saved[0].SubtotalCents != 10_000_000_000 {
		t.Fatalf("unexpected subtotal %d", saved[0].SubtotalCents)
	}
}

func TestServiceStatus(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	svc := newTestService(t, repo, &stubQueue{}, nil)

	res, err := svc.Submit(context.Background(), pickupInput())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	view, err := svc.Status(context.Background(), res.OrderID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Subtotal != "19.00" || view.Tax != "1.69" || view.DeliveryFee != "0.00" || view.Total != "20.69" {
		t.Fatalf("unexpected money rendering: %+v", view)
	}

	_, err = svc.Status(context.Background(), uuid.New())
	if pkgerrors.CodeOf(err) != pkgerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestServiceList(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	svc := newTestService(t, repo, &stubQueue{}, nil)
	for i := 0; i < 3; i++ {
		if _, err := svc.Submit(context.Background(), pickupInput()); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	views, err := svc.List(context.Background(), enums.FulfillmentStatusIntake, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected limit to apply, got %d", len(views))
	}

	_, err = svc.List(context.Background(), enums.FulfillmentStatus("bogus"), 0)
	if pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}
