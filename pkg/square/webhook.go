package square

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// SignatureHeader carries the Square webhook signature.
const SignatureHeader = "X-Square-Hmacsha256-Signature"

// WebhookVerifier checks Square's signature, base64(HMAC-SHA256(key, url+body)).
// URL must be the notification URL exactly as registered with Square.
type WebhookVerifier struct {
	Key string
	URL string
}

func (v WebhookVerifier) Configured() bool { return v.Key != "" }

func (v WebhookVerifier) Verify(payload []byte, signature string) bool {
	if v.Key == "" || signature == "" {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(v.mac(payload), want)
}

// Sign returns the header value Square would send for payload.
func (v WebhookVerifier) Sign(payload []byte) string {
	return base64.StdEncoding.EncodeToString(v.mac(payload))
}

func (v WebhookVerifier) mac(payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(v.Key))
	mac.Write([]byte(v.URL))
	mac.Write(payload)
	return mac.Sum(nil)
}
