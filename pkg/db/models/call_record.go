package models

import (
	"time"

	"github.com/angelmondragon/ringorder-backend/pkg/enums"
)

// CallRecord captures a call that ended without an order. It is stored only
// in the calls ledger stream.
type CallRecord struct {
	CallID             string            `json:"call_id"`
	StartedAt          time.Time         `json:"started_at"`
	EndedAt            time.Time         `json:"ended_at"`
	DurationSeconds    int64             `json:"duration_seconds"`
	CallerPhone        string            `json:"caller_phone"`
	CallerLanguage     string            `json:"caller_language"`
	Outcome            enums.CallOutcome `json:"outcome"`
	Transcript         string            `json:"transcript,omitempty"`
	RecordingURL       *string           `json:"recording_url,omitempty"`
	CustomerMessage    *string           `json:"customer_message,omitempty"`
	TransferReason     *string           `json:"transfer_reason,omitempty"`
	HandledByAI        bool              `json:"handled_by_ai"`
	TransferredToHuman bool              `json:"transferred_to_human"`
}
