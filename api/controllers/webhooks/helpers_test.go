package webhooks

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/ringorder-backend/internal/payments"
)

func newGuard(t *testing.T, scope string) *payments.IdempotencyGuard {
	t.Helper()
	guard, err := payments.NewIdempotencyGuard(payments.NewMemoryStore(), time.Minute, scope)
	require.NoError(t, err)
	return guard
}

// requireReleased fails unless eventID can be claimed again.
func requireReleased(t *testing.T, guard *payments.IdempotencyGuard, eventID string) {
	t.Helper()
	seen, err := guard.CheckAndMark(context.Background(), eventID)
	require.NoError(t, err)
	require.False(t, seen, "guard still holds %s", eventID)
}

func deliver(h http.Handler, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}
