package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/ringorder-backend/internal/app"
	"github.com/angelmondragon/ringorder-backend/internal/ledger"
	"github.com/angelmondragon/ringorder-backend/internal/orders"
	"github.com/angelmondragon/ringorder-backend/internal/verification"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
)

const statusPoll = 25 * time.Millisecond

type options struct {
	Orders      int
	Concurrency int
	Deadline    time.Duration
}

// Summary is the outcome of one simulated burst.
type Summary struct {
	Submitted     int                             `json:"submitted"`
	Rejected      int                             `json:"rejected"`
	ByStatus      map[enums.FulfillmentStatus]int `json:"by_status"`
	ByFailure     map[enums.FailureReason]int     `json:"by_failure,omitempty"`
	Retried       int                             `json:"retried"`
	Unsettled     int                             `json:"unsettled"`
	Charges       int64                           `json:"charges"`
	Declines      int64                           `json:"declines"`
	Timeouts      int64                           `json:"timeouts"`
	Audit         ledger.Audit                    `json:"audit"`
	Elapsed       time.Duration                   `json:"elapsed"`
	LedgerMatches bool                            `json:"ledger_matches"`
}

// Healthy reports whether the ledger holds exactly the finalized orders
// with no duplicate or corrupted entries.
func (s Summary) Healthy() bool {
	return s.LedgerMatches && len(s.Audit.Duplicates) == 0 && len(s.Audit.Corrupted) == 0 && s.Unsettled == 0
}

func run(ctx context.Context, p *app.Pipeline, logg *logger.Logger, opts options) (Summary, error) {
	pool, err := p.NewPool()
	if err != nil {
		return Summary{}, err
	}

	poolCtx, stopPool := context.WithCancel(ctx)
	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(poolCtx) }()
	defer func() {
		stopPool()
		<-poolDone
	}()

	started := time.Now()
	ids := make([]uuid.UUID, opts.Orders)
	rejected := make([]bool, opts.Orders)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i := 0; i < opts.Orders; i++ {
		g.Go(func() error {
			res, err := p.OrderService.Submit(gctx, sampleOrder(i))
			if err != nil {
				logg.Warn(gctx, fmt.Sprintf("order %d rejected: %v", i, err))
				rejected[i] = true
				return nil
			}
			ids[i] = res.OrderID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}
	logg.Info(ctx, fmt.Sprintf("submitted %d orders in %s", opts.Orders, time.Since(started).Round(time.Millisecond)))

	summary := Summary{
		Submitted: opts.Orders,
		ByStatus:  map[enums.FulfillmentStatus]int{},
		ByFailure: map[enums.FailureReason]int{},
	}
	for _, r := range rejected {
		if r {
			summary.Rejected++
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.Deadline)
	defer cancel()
	for i, id := range ids {
		if rejected[i] {
			continue
		}
		view, err := awaitTerminal(waitCtx, p.OrderService, id)
		if err != nil {
			summary.Unsettled++
			continue
		}
		summary.ByStatus[view.FulfillmentStatus]++
		if view.FailureReason != nil {
			summary.ByFailure[*view.FailureReason]++
		}
		if view.Attempts > 1 {
			summary.Retried++
		}
	}
	summary.Elapsed = time.Since(started)

	if sim, ok := p.Verifiers.Payment.(*verification.SimulatedPayment); ok {
		summary.Charges, summary.Declines, summary.Timeouts = sim.Stats()
	}

	entries, err := p.OrderLedger.Snapshot(ctx)
	if err != nil {
		return summary, fmt.Errorf("read ledger: %w", err)
	}
	summary.Audit = ledger.AuditEntries(entries)
	summary.LedgerMatches = summary.Audit.Entries == summary.ByStatus[enums.FulfillmentStatusFinalized]
	return summary, nil
}

func awaitTerminal(ctx context.Context, svc orders.Service, id uuid.UUID) (*orders.StatusView, error) {
	ticker := time.NewTicker(statusPoll)
	defer ticker.Stop()
	for {
		view, err := svc.Status(ctx, id)
		if err == nil && view.FulfillmentStatus.IsTerminal() {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

var menu = []struct {
	name  string
	price string
}{
	{"Margherita Pizza", "14.50"},
	{"Pepperoni Pizza", "16.00"},
	{"Caesar Salad", "9.25"},
	{"Garlic Knots", "5.75"},
	{"Tiramisu", "7.00"},
}

// sampleOrder alternates pickup and in-zone delivery orders.
func sampleOrder(n int) orders.SubmitInput {
	source := fmt.Sprintf("tok_sim_%04d", n)
	item := menu[n%len(menu)]
	input := orders.SubmitInput{
		Kind: "pickup",
		Items: []orders.ItemInput{
			{Name: item.name, Quantity: 1 + n%3, UnitPrice: decimal.RequireFromString(item.price)},
		},
		Customer:      orders.CustomerInput{Name: fmt.Sprintf("Caller %d", n), Phone: fmt.Sprintf("+1212555%04d", n%10000)},
		PaymentSource: &source,
		HandledByAI:   true,
	}
	if n%2 == 1 {
		input.Kind = "delivery"
		input.DeliveryAddress = &orders.AddressInput{
			Line1:      fmt.Sprintf("%d w 34th st", 100+n),
			City:       "new york",
			State:      "NY",
			PostalCode: "10001",
		}
	}
	return input
}

func printSummary(s Summary) {
	w := os.Stdout
	fmt.Fprintf(w, "submitted   %d (rejected %d)\n", s.Submitted, s.Rejected)
	statuses := make([]string, 0, len(s.ByStatus))
	for status := range s.ByStatus {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		fmt.Fprintf(w, "  %-10s %d\n", status, s.ByStatus[enums.FulfillmentStatus(status)])
	}
	for reason, n := range s.ByFailure {
		fmt.Fprintf(w, "  failed:%s %d\n", reason, n)
	}
	fmt.Fprintf(w, "retried     %d\n", s.Retried)
	fmt.Fprintf(w, "unsettled   %d\n", s.Unsettled)
	fmt.Fprintf(w, "charges     %d (declines %d, timeouts %d)\n", s.Charges, s.Declines, s.Timeouts)
	fmt.Fprintf(w, "ledger      %d entries, %d duplicates, %d corrupted\n", s.Audit.Entries, len(s.Audit.Duplicates), len(s.Audit.Corrupted))
	if len(s.Audit.Duplicates) > 0 {
		fmt.Fprintf(w, "  duplicates: %s\n", strings.Join(s.Audit.Duplicates, ", "))
	}
	fmt.Fprintf(w, "elapsed     %s\n", s.Elapsed.Round(time.Millisecond))
}
