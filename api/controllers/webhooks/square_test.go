package webhooks

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	squarewebhook "github.com/angelmondragon/ringorder-backend/internal/webhooks/square"
	pkgsquare "github.com/angelmondragon/ringorder-backend/pkg/square"
)

const squarePath = "/api/v1/webhooks/square"

var squareKeys = pkgsquare.WebhookVerifier{Key: "secret", URL: "https://orders.example.com/api/v1/webhooks/square"}

type recordingSquareService struct {
	events []*squarewebhook.SquareWebhookEvent
}

func (s *recordingSquareService) HandleEvent(_ context.Context, event *squarewebhook.SquareWebhookEvent) error {
	s.events = append(s.events, event)
	return nil
}

func squarePayment(t *testing.T, eventID, paymentID, status string) []byte {
	t.Helper()
	payload, err := json.Marshal(&squarewebhook.SquareWebhookEvent{
		EventID: eventID,
		Type:    "payment.updated",
		Data: squarewebhook.SquareWebhookData{
			Type: "payment",
			ID:   paymentID,
			Object: squarewebhook.SquareWebhookObject{
				Payment: &squarewebhook.SquarePayment{ID: paymentID, Status: status},
			},
		},
	})
	require.NoError(t, err)
	return payload
}

func TestSquareWebhookDeliversOnce(t *testing.T) {
	svc := &recordingSquareService{}
	h := SquareWebhook(svc, squareKeys, newGuard(t, "square-webhook"), nil)
	payload := squarePayment(t, "sq_evt_1", "pay_1", "COMPLETED")
	headers := map[string]string{pkgsquare.SignatureHeader: squareKeys.Sign(payload)}

	first := deliver(h, squarePath, payload, headers)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	again := deliver(h, squarePath, payload, headers)
	require.JSONEq(t, `{"data":{"duplicate":true}}`, again.Body.String())

	require.Len(t, svc.events, 1)
	require.Equal(t, "COMPLETED", svc.events[0].Data.Object.Payment.Status)
}

func TestSquareWebhookFallsBackToDataID(t *testing.T) {
	svc := &recordingSquareService{}
	guard := newGuard(t, "square-webhook")
	h := SquareWebhook(svc, squareKeys, guard, nil)
	payload := squarePayment(t, "", "pay_2", "COMPLETED")

	rec := deliver(h, squarePath, payload, map[string]string{pkgsquare.SignatureHeader: squareKeys.Sign(payload)})
	require.Equal(t, http.StatusOK, rec.Code)

	seen, err := guard.CheckAndMark(context.Background(), "pay_2")
	require.NoError(t, err)
	require.True(t, seen)
}

func TestSquareWebhookRejectsBadSignatures(t *testing.T) {
	payload := squarePayment(t, "sq_evt_3", "pay_3", "COMPLETED")
	elsewhere := pkgsquare.WebhookVerifier{Key: squareKeys.Key, URL: "https://elsewhere.example.com/hook"}

	for name, sig := range map[string]string{
		"wrong url": elsewhere.Sign(payload),
		"missing":   "",
	} {
		t.Run(name, func(t *testing.T) {
			svc := &recordingSquareService{}
			h := SquareWebhook(svc, squareKeys, newGuard(t, "square-webhook"), nil)

			rec := deliver(h, squarePath, payload, map[string]string{pkgsquare.SignatureHeader: sig})
			require.Equal(t, http.StatusUnauthorized, rec.Code)
			require.Empty(t, svc.events)
		})
	}
}

func TestSquareWebhookRejectsUndecodableBody(t *testing.T) {
	payload := []byte(`{"event_id":`)
	h := SquareWebhook(&recordingSquareService{}, squareKeys, newGuard(t, "square-webhook"), nil)

	rec := deliver(h, squarePath, payload, map[string]string{pkgsquare.SignatureHeader: squareKeys.Sign(payload)})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
