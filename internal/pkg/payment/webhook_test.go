package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWebhookEvent(t *testing.T) {
	raw := []byte(`{
		"event": "payment.succeeded",
		"object": {
			"id": "pay_123",
			"status": "succeeded",
			"metadata": {"user_id": "42", "payment_ref": "ref-uuid"}
		}
	}`)

	now := time.Now()
	ev, err := ParseWebhookEvent(raw, now)
	require.NoError(t, err)
	assert.Equal(t, KindPaymentSucceeded, ev.Kind)
	assert.Equal(t, "payment.succeeded:pay_123", ev.EventID)
	assert.Equal(t, "pay_123", ev.PaymentRef, "the provider payment id keys the record")
	assert.Equal(t, uint(42), ev.UserID)
	assert.Equal(t, StatusSucceeded, ev.Status)
	assert.Equal(t, now, ev.ReceivedAt)
}

func TestParseWebhookEventKinds(t *testing.T) {
	tests := []struct {
		event string
		kind  EventKind
	}{
		{"payment.succeeded", KindPaymentSucceeded},
		{"payment.canceled", KindPaymentCanceled},
		{"payment.cancelled", KindPaymentCanceled},
		{"refund.succeeded", KindRefundSucceeded},
		{"payout.completed", KindOther},
		{"chargeback.opened", KindOther},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			ev, err := ParseWebhookEvent([]byte(`{"event":"`+tt.event+`","object":{"id":"pay_1"}}`), time.Now())
			require.NoError(t, err)
			assert.Equal(t, tt.kind, ev.Kind)
		})
	}
}

func TestParseWebhookEventStatusFallsBackToKind(t *testing.T) {
	ev, err := ParseWebhookEvent([]byte(`{"event":"refund.succeeded","object":{"id":"pay_1"}}`), time.Now())
	require.NoError(t, err)
	assert.Equal(t, StatusRefundSucceeded, ev.Status)
}

func TestParseWebhookEventInvalid(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":      "not-json",
		"missing event": `{"object":{"id":"pay_1"}}`,
		"missing id":    `{"event":"payment.succeeded","object":{}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseWebhookEvent([]byte(raw), time.Now())
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}
}

func TestVerifyWebhookSignature(t *testing.T) {
	payload := []byte(`{"event":"payment.succeeded"}`)
	secret := "whsec_test"

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	sig := hex.EncodeToString(mac.Sum(nil))

	assert.True(t, VerifyWebhookSignature(payload, sig, secret))
	assert.False(t, VerifyWebhookSignature(payload, sig, "other-secret"))
	assert.False(t, VerifyWebhookSignature([]byte("tampered"), sig, secret))
	assert.False(t, VerifyWebhookSignature(payload, "", secret))
	// Without a configured secret nothing can verify.
	assert.False(t, VerifyWebhookSignature(payload, sig, ""))
}
