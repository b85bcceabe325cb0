package verification

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
)

// fraction yields exactly floor(n*rate) hits over n calls.
type fraction struct {
	rate float64
	hits int64
}

func (f *fraction) owed(calls int64) bool {
	return int64(math.Floor(float64(calls)*f.rate+1e-9)) > f.hits
}

// latency draws seeded, jittered delays between min and max.
type latency struct {
	min, max time.Duration
	rng      *rand.Rand
}

func (l latency) draw() time.Duration {
	if l.max <= l.min {
		return l.min
	}
	return l.min + time.Duration(l.rng.Int64N(int64(l.max-l.min)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return timeoutOr(ctx, ctx.Err())
	case <-timer.C:
		return nil
	}
}

// SimulatorOptions tunes the simulated backends.
type SimulatorOptions struct {
	DeclineRate        float64
	TimeoutRate        float64
	AddressTimeoutRate float64
	MinLatency         time.Duration
	MaxLatency         time.Duration
	Seed               int64
}

// SimulatedPayment approves, declines or times out charges in fixed
// proportions. Outcomes depend only on call order, not on timing.
type SimulatedPayment struct {
	mu       sync.Mutex
	calls    int64
	declines fraction
	timeouts fraction
	latency  latency
}

func NewSimulatedPayment(opts SimulatorOptions) *SimulatedPayment {
	seed := uint64(opts.Seed)
	return &SimulatedPayment{
		declines: fraction{rate: opts.DeclineRate},
		timeouts: fraction{rate: opts.TimeoutRate},
		latency:  latency{min: opts.MinLatency, max: opts.MaxLatency, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))},
	}
}

type simOutcome int

const (
	simApprove simOutcome = iota
	simDecline
	simTimeout
)

func (s *SimulatedPayment) Charge(ctx context.Context, order *models.Order) (ChargeResult, error) {
	s.mu.Lock()
	s.calls++
	outcome := simApprove
	switch {
	case s.declines.owed(s.calls):
		s.declines.hits++
		outcome = simDecline
	case s.timeouts.owed(s.calls):
		s.timeouts.hits++
		outcome = simTimeout
	}
	delay := s.latency.draw()
	suffix := s.latency.rng.Uint32()
	s.mu.Unlock()

	if err := sleepCtx(ctx, delay); err != nil {
		return ChargeResult{}, err
	}

	switch outcome {
	case simDecline:
		return ChargeResult{}, &DeclinedError{Code: "card_declined", Message: "simulated decline"}
	case simTimeout:
		return ChargeResult{}, fmt.Errorf("%w: simulated payment gateway timeout", ErrTimeout)
	}
	id := strings.ReplaceAll(order.ID.String(), "-", "")
	return ChargeResult{Approved: true, Reference: fmt.Sprintf("pi_sim_%s%08x", id[:16], suffix)}, nil
}

// Stats returns the number of charges, declines and timeouts so far.
func (s *SimulatedPayment) Stats() (calls, declines, timeouts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, s.declines.hits, s.timeouts.hits
}

// SimulatedAddress checks the postal code against the delivery zone and
// normalizes casing.
type SimulatedAddress struct {
	zone     Zone
	mu       sync.Mutex
	calls    int64
	timeouts fraction
	latency  latency
	title    cases.Caser
}

func NewSimulatedAddress(zone Zone, opts SimulatorOptions) *SimulatedAddress {
	seed := uint64(opts.Seed) + 1
	return &SimulatedAddress{
		zone:     zone,
		timeouts: fraction{rate: opts.AddressTimeoutRate},
		latency:  latency{min: opts.MinLatency, max: opts.MaxLatency, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))},
		title:    cases.Title(language.AmericanEnglish),
	}
}

func (s *SimulatedAddress) Validate(ctx context.Context, addr models.Address) (AddressResult, error) {
	s.mu.Lock()
	s.calls++
	timeout := s.timeouts.owed(s.calls)
	if timeout {
		s.timeouts.hits++
	}
	delay := s.latency.draw()
	normalized := s.normalize(addr)
	s.mu.Unlock()

	if err := sleepCtx(ctx, delay); err != nil {
		return AddressResult{}, err
	}
	if timeout {
		return AddressResult{}, fmt.Errorf("%w: simulated geocoder timeout", ErrTimeout)
	}
	return AddressResult{InZone: s.zone.AllowsZip(addr.PostalCode), Normalized: normalized}, nil
}

// normalize must run under s.mu; cases.Caser is not safe for concurrent use.
func (s *SimulatedAddress) normalize(addr models.Address) models.Address {
	out := models.Address{
		Line1:      s.title.String(strings.Join(strings.Fields(addr.Line1), " ")),
		Line2:      s.title.String(strings.Join(strings.Fields(addr.Line2), " ")),
		City:       s.title.String(strings.Join(strings.Fields(addr.City), " ")),
		State:      strings.ToUpper(strings.TrimSpace(addr.State)),
		PostalCode: strings.TrimSpace(addr.PostalCode),
	}
	if len(out.PostalCode) > 5 {
		out.PostalCode = out.PostalCode[:5]
	}
	out.Formatted = formatAddress(out)
	return out
}

func formatAddress(a models.Address) string {
	street := a.Line1
	if a.Line2 != "" {
		street += " " + a.Line2
	}
	return fmt.Sprintf("%s, %s, %s %s", street, a.City, a.State, a.PostalCode)
}
