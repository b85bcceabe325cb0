package orders

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/ringorder-backend/pkg/config"
	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/ringorder-backend/pkg/errors"
)

var (
	hundred = decimal.NewFromInt(100)

	// MaxUnitPrice is the largest unit price accepted at intake.
	MaxUnitPrice = decimal.NewFromInt(100_000)

	maxCents = decimal.NewFromInt(math.MaxInt64)
)

// Totals holds the priced amounts of an order, all in cents.
type Totals struct {
	SubtotalCents    int64
	TaxCents         int64
	DeliveryFeeCents int64
	TotalCents       int64
}

// Pricer computes order totals from the configured tax rate and delivery fee.
type Pricer struct {
	taxRate        decimal.Decimal
	deliveryFeeCts int64
}

func NewPricer(cfg config.PricingConfig) Pricer {
	return Pricer{
		taxRate:        cfg.TaxRate,
		deliveryFeeCts: toCents(cfg.DeliveryFee),
	}
}

// Price sums line totals, applies tax rounded half-up to the cent and adds the
// delivery fee for delivery orders.
func (p Pricer) Price(kind enums.OrderKind, items []models.OrderItem) (Totals, error) {
	subtotal := decimal.Zero
	for _, item := range items {
		line := decimal.NewFromInt(int64(item.Quantity)).Mul(decimal.NewFromInt(item.UnitPriceCents))
		subtotal = subtotal.Add(line)
	}
	tax := subtotal.Mul(p.taxRate).Round(0)

	fee := decimal.Zero
	if kind == enums.OrderKindDelivery {
		fee = decimal.NewFromInt(p.deliveryFeeCts)
	}
	total := subtotal.Add(tax).Add(fee)

	for _, amount := range []decimal.Decimal{subtotal, tax, fee, total} {
		if amount.IsNegative() {
			return Totals{}, pkgerrors.Pricing(ReasonNegativeTotal, "order total must not be negative")
		}
		if amount.GreaterThan(maxCents) {
			return Totals{}, pkgerrors.Pricing(ReasonTotalOutOfRange, "order total exceeds the supported range")
		}
	}
	return Totals{
		SubtotalCents:    subtotal.IntPart(),
		TaxCents:         tax.IntPart(),
		DeliveryFeeCents: fee.IntPart(),
		TotalCents:       total.IntPart(),
	}, nil
}

func toCents(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// FormatCents renders cents as a fixed two-place decimal string.
func FormatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
