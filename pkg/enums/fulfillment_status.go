package enums

// FulfillmentStatus is the forward-only finalization state of an order.
type FulfillmentStatus string

const (
	FulfillmentStatusIntake    FulfillmentStatus = "intake"
	FulfillmentStatusVerifying FulfillmentStatus = "verifying"
	FulfillmentStatusFinalized FulfillmentStatus = "finalized"
	FulfillmentStatusFailed    FulfillmentStatus = "failed"
)

var fulfillmentStatuses = []FulfillmentStatus{
	FulfillmentStatusIntake,
	FulfillmentStatusVerifying,
	FulfillmentStatusFinalized,
	FulfillmentStatusFailed,
}

var fulfillmentTransitions = map[FulfillmentStatus][]FulfillmentStatus{
	FulfillmentStatusIntake:    {FulfillmentStatusVerifying, FulfillmentStatusFailed, FulfillmentStatusFinalized},
	FulfillmentStatusVerifying: {FulfillmentStatusVerifying, FulfillmentStatusFinalized, FulfillmentStatusFailed},
}

func (s FulfillmentStatus) String() string { return string(s) }

func (s FulfillmentStatus) IsValid() bool { return known(fulfillmentStatuses, s) }

// IsTerminal reports whether no further transition is allowed.
func (s FulfillmentStatus) IsTerminal() bool {
	return s == FulfillmentStatusFinalized || s == FulfillmentStatusFailed
}

// CanTransitionTo reports whether moving from s to next keeps the status
// moving forward. verifying -> verifying covers a re-claim after retry.
// intake -> finalized is only taken when recovering from ledger presence.
func (s FulfillmentStatus) CanTransitionTo(next FulfillmentStatus) bool {
	return known(fulfillmentTransitions[s], next)
}

func ParseFulfillmentStatus(value string) (FulfillmentStatus, error) {
	return parse(fulfillmentStatuses, "fulfillment status", value)
}
