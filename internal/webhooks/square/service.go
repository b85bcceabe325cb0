package squarewebhook

import (
	"context"
	"strings"

	"github.com/angelmondragon/ringorder-backend/internal/payments"
	pkgerrors "github.com/angelmondragon/ringorder-backend/pkg/errors"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
)

type confirmer interface {
	Confirm(ctx context.Context, reference string, paid bool) (*payments.Result, error)
}

type ServiceParams struct {
	Confirmer confirmer
	Logger    *logger.Logger
}

// Service maps Square payment events onto order payment confirmations.
type Service struct {
	confirmer confirmer
	logg      *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Confirmer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payment confirmer required")
	}
	if params.Logger == nil {
		params.Logger = logger.Nop()
	}
	return &Service{confirmer: params.Confirmer, logg: params.Logger}, nil
}

type SquareWebhookEvent struct {
	EventID string            `json:"event_id"`
	Type    string            `json:"type"`
	Data    SquareWebhookData `json:"data"`
}

type SquareWebhookData struct {
	Type   string              `json:"type"`
	ID     string              `json:"id"`
	Object SquareWebhookObject `json:"object"`
}

type SquareWebhookObject struct {
	Payment *SquarePayment `json:"payment"`
}

type SquarePayment struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	ReferenceID string `json:"reference_id"`
}

// HandleEvent processes Square payment.created and payment.updated events.
// Statuses that are not final yet are ignored.
func (s *Service) HandleEvent(ctx context.Context, event *SquareWebhookEvent) error {
	if event == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "square event required")
	}

	switch strings.ToLower(event.Type) {
	case "payment.created", "payment.updated":
	default:
		return nil
	}
	payment := event.Data.Object.Payment
	if payment == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment payload missing")
	}
	reference := payment.ID
	if reference == "" {
		reference = event.Data.ID
	}
	if reference == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment id missing")
	}

	var paid bool
	switch strings.ToUpper(payment.Status) {
	case "COMPLETED", "APPROVED":
		paid = true
	case "FAILED", "CANCELED":
		paid = false
	default:
		return nil
	}

	_, err := s.confirmer.Confirm(ctx, reference, paid)
	if pkgerrors.HasCode(err, pkgerrors.CodeNotFound) {
		s.logg.Warn(s.logg.WithField(ctx, "square_payment", reference), "square event for unknown payment")
		return nil
	}
	return err
}
