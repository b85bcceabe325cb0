package squarewebhook

import (
	"context"
	"testing"

	"github.com/angelmondragon/ringorder-backend/internal/payments"
	pkgerrors "github.com/angelmondragon/ringorder-backend/pkg/errors"
)

type stubConfirmer struct {
	references []string
	paid       []bool
	err        error
}

func (s *stubConfirmer) Confirm(_ context.Context, reference string, paid bool) (*payments.Result, error) {
	s.references = append(s.references, reference)
	s.paid = append(s.paid, paid)
	return &payments.Result{}, s.err
}

func paymentEvent(eventType, id, status string) *SquareWebhookEvent {
	return &SquareWebhookEvent{
		EventID: "evt_1",
		Type:    eventType,
		Data: SquareWebhookData{
			Type:   "payment",
			ID:     id,
			Object: SquareWebhookObject{Payment: &SquarePayment{ID: id, Status: status}},
		},
	}
}

func TestService_HandlePaymentStatuses(t *testing.T) {
	cases := []struct {
		status  string
		confirm bool
		paid    bool
	}{
		{"COMPLETED", true, true},
		{"APPROVED", true, true},
		{"FAILED", true, false},
		{"CANCELED", true, false},
		{"PENDING", false, false},
	}
	for _, tc := range cases {
		t.Run(tc.status, func(t *testing.T) {
			stub := &stubConfirmer{}
			svc, err := NewService(ServiceParams{Confirmer: stub})
			if err != nil {
				t.Fatalf("setup service: %v", err)
			}
			if err := svc.HandleEvent(context.Background(), paymentEvent("payment.updated", "sqp_1", tc.status)); err != nil {
				t.Fatalf("handle event: %v", err)
			}
			if !tc.confirm {
				if len(stub.references) != 0 {
					t.Fatalf("expected no confirmation for %s", tc.status)
				}
				return
			}
			if len(stub.references) != 1 || stub.references[0] != "sqp_1" || stub.paid[0] != tc.paid {
				t.Fatalf("unexpected confirmations %+v %+v", stub.references, stub.paid)
			}
		})
	}
}

func TestService_IgnoresUnrelatedEvents(t *testing.T) {
	stub := &stubConfirmer{}
	svc, _ := NewService(ServiceParams{Confirmer: stub})
	if err := svc.HandleEvent(context.Background(), paymentEvent("refund.updated", "r_1", "COMPLETED")); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(stub.references) != 0 {
		t.Fatal("refund events must not confirm payments")
	}
}

func TestService_MissingPaymentPayload(t *testing.T) {
	svc, _ := NewService(ServiceParams{Confirmer: &stubConfirmer{}})
	event := &SquareWebhookEvent{Type: "payment.updated"}
	if err := svc.HandleEvent(context.Background(), event); pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestService_UnknownPaymentIsAcknowledged(t *testing.T) {
	svc, _ := NewService(ServiceParams{Confirmer: &stubConfirmer{err: pkgerrors.New(pkgerrors.CodeNotFound, "no order")}})
	if err := svc.HandleEvent(context.Background(), paymentEvent("payment.updated", "sqp_2", "COMPLETED")); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}
