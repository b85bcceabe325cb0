package enums

// OrderKind distinguishes pickup orders from delivery orders.
type OrderKind string

const (
	OrderKindPickup   OrderKind = "pickup"
	OrderKindDelivery OrderKind = "delivery"
)

var orderKinds = []OrderKind{OrderKindPickup, OrderKindDelivery}

func (k OrderKind) String() string { return string(k) }

func (k OrderKind) IsValid() bool { return known(orderKinds, k) }

// NeedsAddress reports whether the kind is verified against the delivery zone.
func (k OrderKind) NeedsAddress() bool { return k == OrderKindDelivery }

func ParseOrderKind(value string) (OrderKind, error) {
	return parse(orderKinds, "order kind", value)
}
