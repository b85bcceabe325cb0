package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/ringorder-backend/pkg/config"
)

func TestNewClientChecksKeyMode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     config.StripeConfig
		wantErr bool
	}{
		{name: "test key", cfg: config.StripeConfig{APIKey: "sk_test_123", Env: "test"}},
		{name: "restricted live key", cfg: config.StripeConfig{APIKey: "rk_live_123", Env: "live"}},
		{name: "missing key", cfg: config.StripeConfig{Env: "test"}, wantErr: true},
		{name: "live key in test", cfg: config.StripeConfig{APIKey: "sk_live_123", Env: "test"}, wantErr: true},
		{name: "unknown env", cfg: config.StripeConfig{APIKey: "sk_test_123", Env: "staging"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c, err := NewClient(context.Background(), tc.cfg, nil)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, c.API())
		})
	}
}

func signedHeader(payload []byte, secret string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestWebhookVerifier(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded","api_version":"2020-08-27","data":{"object":{}}}`)
	v := NewWebhookVerifier(" whsec_test ")
	require.True(t, v.Configured())

	event, err := v.ConstructEvent(payload, signedHeader(payload, "whsec_test", time.Now().Unix()))
	require.NoError(t, err)
	require.Equal(t, "evt_1", event.ID)

	_, err = v.ConstructEvent(payload, signedHeader(payload, "whsec_other", time.Now().Unix()))
	require.Error(t, err)

	_, err = NewWebhookVerifier("").ConstructEvent(payload, "t=1,v1=abc")
	require.ErrorIs(t, err, ErrNoWebhookSecret)
}

func TestIdempotencyKey(t *testing.T) {
	t.Parallel()
	require.Equal(t, "order-42", IdempotencyKey(" 42 "))
}
