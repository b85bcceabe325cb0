package enums

// FailureReason explains why an order ended in the failed state.
type FailureReason string

const (
	FailureReasonOutOfDeliveryZone     FailureReason = "out_of_delivery_zone"
	FailureReasonPaymentDeclined       FailureReason = "payment_declined"
	FailureReasonVerificationExhausted FailureReason = "verification_exhausted"
	FailureReasonLedgerUnavailable     FailureReason = "ledger_unavailable"
	FailureReasonPaymentUnconfirmed    FailureReason = "payment_unconfirmed"
	FailureReasonProcessingDefect      FailureReason = "processing_defect"
)

var failureReasons = []FailureReason{
	FailureReasonOutOfDeliveryZone,
	FailureReasonPaymentDeclined,
	FailureReasonVerificationExhausted,
	FailureReasonLedgerUnavailable,
	FailureReasonPaymentUnconfirmed,
	FailureReasonProcessingDefect,
}

func (r FailureReason) String() string { return string(r) }

func (r FailureReason) IsValid() bool { return known(failureReasons, r) }

func ParseFailureReason(value string) (FailureReason, error) {
	return parse(failureReasons, "failure reason", value)
}

// RetryReason labels a transient failure that sent a task back to the queue.
type RetryReason string

const (
	RetryReasonVerificationTimeout RetryReason = "verification_timeout"
	RetryReasonLockTimeout         RetryReason = "lock_timeout"
	RetryReasonLedgerError         RetryReason = "ledger_error"
	RetryReasonWorkerPanic         RetryReason = "worker_panic"
)

var retryReasons = []RetryReason{RetryReasonVerificationTimeout, RetryReasonLockTimeout, RetryReasonLedgerError, RetryReasonWorkerPanic}

func (r RetryReason) String() string { return string(r) }

func (r RetryReason) IsValid() bool { return known(retryReasons, r) }

// Exhausted maps a retry reason onto the terminal reason recorded once the
// attempt bound is spent.
func (r RetryReason) Exhausted() FailureReason {
	switch r {
	case RetryReasonVerificationTimeout:
		return FailureReasonVerificationExhausted
	case RetryReasonWorkerPanic:
		return FailureReasonProcessingDefect
	default:
		return FailureReasonLedgerUnavailable
	}
}
