// Package calls records phone calls that ended without an order to the calls
// ledger stream.
package calls

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/angelmondragon/ringorder-backend/internal/ledger"
	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/ringorder-backend/pkg/errors"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
	"github.com/angelmondragon/ringorder-backend/pkg/validate"
)

const defaultLanguage = "en"

// RecordInput is the call-completion webhook payload.
type RecordInput struct {
	CallID             string    `json:"call_id" validate:"required,max=128"`
	StartedAt          time.Time `json:"started_at" validate:"required"`
	EndedAt            time.Time `json:"ended_at" validate:"required"`
	CallerPhone        string    `json:"caller_phone" validate:"required,max=32"`
	CallerLanguage     string    `json:"caller_language,omitempty" validate:"max=16"`
	Outcome            string    `json:"outcome" validate:"required,oneof=no_order transferred error"`
	Transcript         string    `json:"transcript,omitempty"`
	RecordingURL       *string   `json:"recording_url,omitempty" validate:"omitempty,url,max=2048"`
	CustomerMessage    *string   `json:"customer_message,omitempty" validate:"omitempty,max=2000"`
	TransferReason     *string   `json:"transfer_reason,omitempty" validate:"omitempty,max=500"`
	HandledByAI        bool      `json:"handled_by_ai"`
	TransferredToHuman bool      `json:"transferred_to_human"`
}

// RecordResult reports where the call landed in the ledger.
type RecordResult struct {
	CallID    string `json:"call_id"`
	Duplicate bool   `json:"duplicate"`
	Sequence  int64  `json:"sequence,omitempty"`
}

type callLedger interface {
	Append(ctx context.Context, input ledger.AppendInput) (*models.LedgerEntry, error)
}

type ServiceParams struct {
	Ledger callLedger
	Logger *logger.Logger
}

type Service struct {
	ledger   callLedger
	logg     *logger.Logger
	validate *validator.Validate
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Ledger == nil {
		return nil, errors.New("calls ledger is required")
	}
	if params.Logger == nil {
		params.Logger = logger.Nop()
	}
	return &Service{ledger: params.Ledger, logg: params.Logger, validate: validate.Default()}, nil
}

// Record appends the call to the calls stream. A call id already present is
// reported as a duplicate, not an error.
func (s *Service) Record(ctx context.Context, input RecordInput) (*RecordResult, error) {
	record, err := s.build(input)
	if err != nil {
		return nil, err
	}
	ctx = s.logg.WithCallID(ctx, record.CallID)

	entry, err := s.ledger.Append(ctx, ledger.AppendInput{
		Kind:    enums.LedgerEntryCallRecorded,
		RefID:   record.CallID,
		Payload: record,
	})
	switch {
	case errors.Is(err, ledger.ErrDuplicateEntry):
		s.logg.Info(ctx, "call already recorded")
		return &RecordResult{CallID: record.CallID, Duplicate: true}, nil
	case err != nil:
		return nil, err
	}
	s.logg.Info(s.logg.WithField(ctx, "outcome", string(record.Outcome)), "call recorded")
	return &RecordResult{CallID: record.CallID, Sequence: entry.Sequence}, nil
}

func (s *Service) build(input RecordInput) (*models.CallRecord, error) {
	if err := s.validate.Struct(input); err != nil {
		if errs, ok := validate.FieldErrors(err); ok {
			fe := errs[0]
			reason := "invalid_field"
			if fe.Tag() == "required" {
				reason = "missing_field"
			}
			return nil, pkgerrors.Validation(reason, fe.Field(), fe.Field()+" "+validate.Message(fe))
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "validation failed")
	}
	if input.EndedAt.Before(input.StartedAt) {
		return nil, pkgerrors.Validation("invalid_field", "ended_at", "ended_at must not be before started_at")
	}

	language := strings.TrimSpace(input.CallerLanguage)
	if language == "" {
		language = defaultLanguage
	}
	return &models.CallRecord{
		CallID:             strings.TrimSpace(input.CallID),
		StartedAt:          input.StartedAt.UTC(),
		EndedAt:            input.EndedAt.UTC(),
		DurationSeconds:    int64(input.EndedAt.Sub(input.StartedAt) / time.Second),
		CallerPhone:        strings.TrimSpace(input.CallerPhone),
		CallerLanguage:     language,
		Outcome:            enums.CallOutcome(input.Outcome),
		Transcript:         input.Transcript,
		RecordingURL:       input.RecordingURL,
		CustomerMessage:    input.CustomerMessage,
		TransferReason:     input.TransferReason,
		HandledByAI:        input.HandledByAI,
		TransferredToHuman: input.TransferredToHuman,
	}, nil
}
