package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/ringorder-backend/pkg/enums"
)

// LedgerEntry is an immutable record appended to one ledger stream.
type LedgerEntry struct {
	ID          uuid.UUID             `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	Stream      enums.LedgerStream    `gorm:"column:stream;type:text;not null;uniqueIndex:ux_ledger_entries_ref,priority:1" json:"stream"`
	Sequence    int64                 `gorm:"column:sequence;not null" json:"sequence"`
	Kind        enums.LedgerEntryKind `gorm:"column:kind;type:text;not null;uniqueIndex:ux_ledger_entries_ref,priority:2" json:"kind"`
	RefID       string                `gorm:"column:ref_id;not null;uniqueIndex:ux_ledger_entries_ref,priority:3" json:"ref_id"`
	AmountCents int64                 `gorm:"column:amount_cents;not null" json:"amount_cents"`
	Payload     json.RawMessage       `gorm:"column:payload;type:text;serializer:json;not null" json:"payload"`
	Checksum    string                `gorm:"column:checksum;not null" json:"checksum"`
	RecordedAt  time.Time             `gorm:"column:recorded_at;not null" json:"recorded_at"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }
