package enums

// CallOutcome classifies a phone call that did not produce an order.
type CallOutcome string

const (
	CallOutcomeNoOrder     CallOutcome = "no_order"
	CallOutcomeTransferred CallOutcome = "transferred"
	CallOutcomeError       CallOutcome = "error"
)

var callOutcomes = []CallOutcome{CallOutcomeNoOrder, CallOutcomeTransferred, CallOutcomeError}

func (c CallOutcome) String() string { return string(c) }

func (c CallOutcome) IsValid() bool { return known(callOutcomes, c) }

func ParseCallOutcome(value string) (CallOutcome, error) {
	return parse(callOutcomes, "call outcome", value)
}
