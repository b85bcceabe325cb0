package enums

// LedgerStream names one append-only log.
type LedgerStream string

const (
	LedgerStreamOrders LedgerStream = "orders"
	LedgerStreamCalls  LedgerStream = "calls"
)

var ledgerStreams = []LedgerStream{LedgerStreamOrders, LedgerStreamCalls}

func (s LedgerStream) String() string { return string(s) }

func (s LedgerStream) IsValid() bool { return known(ledgerStreams, s) }

func ParseLedgerStream(value string) (LedgerStream, error) {
	return parse(ledgerStreams, "ledger stream", value)
}

// LedgerEntryKind describes what a ledger entry records.
type LedgerEntryKind string

const (
	LedgerEntryOrderFinalized LedgerEntryKind = "order_finalized"
	LedgerEntryCallRecorded   LedgerEntryKind = "call_recorded"
)

func (k LedgerEntryKind) String() string { return string(k) }

func (k LedgerEntryKind) IsValid() bool {
	return k == LedgerEntryOrderFinalized || k == LedgerEntryCallRecorded
}
