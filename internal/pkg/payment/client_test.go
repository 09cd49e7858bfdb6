package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	return &Client{
		APIKey:     "sk_test",
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
	}, srv
}

func TestCreatePayment(t *testing.T) {
	var gotBody map[string]any
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/payments", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		assert.Equal(t, "ref-1", r.Header.Get("Idempotence-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		fmt.Fprint(w, `{"id":"pay_1","status":"pending","confirmation":{"confirmation_url":"https://gw.test/c/pay_1"}}`)
	})
	defer srv.Close()

	p, err := client.CreatePayment(context.Background(), CreatePaymentInput{
		PaymentRef:  "ref-1",
		UserID:      7,
		AmountCents: 999,
		Currency:    "EUR",
		ReturnURL:   "https://nebulachat.test/payment/callback",
		Description: "NebulaChat Premium (30 days)",
	})
	require.NoError(t, err)
	assert.Equal(t, "pay_1", p.ID)
	assert.Equal(t, "https://gw.test/c/pay_1", p.RedirectURL)
	assert.Equal(t, StatusPending, p.Status)

	amount := gotBody["amount"].(map[string]any)
	assert.Equal(t, "9.99", amount["value"])
	metadata := gotBody["metadata"].(map[string]any)
	assert.Equal(t, "7", metadata["user_id"])
	assert.Equal(t, "ref-1", metadata["payment_ref"])
}

func TestCreatePaymentServerError(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	defer srv.Close()

	_, err := client.CreatePayment(context.Background(), CreatePaymentInput{PaymentRef: "ref-1", AmountCents: 999, Currency: "EUR"})
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestCreatePaymentTransportError(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {})
	srv.Close() // connection refused from here on

	_, err := client.CreatePayment(context.Background(), CreatePaymentInput{PaymentRef: "ref-1", AmountCents: 999, Currency: "EUR"})
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestCreatePaymentRejection(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"error":"invalid currency"}`)
	})
	defer srv.Close()

	_, err := client.CreatePayment(context.Background(), CreatePaymentInput{PaymentRef: "ref-1", AmountCents: 999, Currency: "XXX"})
	require.Error(t, err)
	// A rejection is not an availability problem; no fallback grant for it.
	assert.NotErrorIs(t, err, ErrGatewayUnavailable)
}

func TestCreatePaymentUnconfigured(t *testing.T) {
	client := &Client{HTTPClient: http.DefaultClient}
	_, err := client.CreatePayment(context.Background(), CreatePaymentInput{PaymentRef: "ref-1"})
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestGetPaymentStatus(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payments/pay_9", r.URL.Path)
		fmt.Fprint(w, `{"id":"pay_9","status":"succeeded"}`)
	})
	defer srv.Close()

	status, err := client.GetPaymentStatus(context.Background(), "pay_9")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, status)
}

func TestGetPaymentStatusServerError(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	defer srv.Close()

	_, err := client.GetPaymentStatus(context.Background(), "pay_9")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestNormalizeStatus(t *testing.T) {
	tests := map[string]Status{
		"pending":             StatusPending,
		"waiting_for_capture": StatusPending,
		"succeeded":           StatusSucceeded,
		"canceled":            StatusCanceled,
		"cancelled":           StatusCanceled,
		"failed":              StatusFailed,
		"refund_succeeded":    StatusRefundSucceeded,
		"refunded":            StatusRefundSucceeded,
		"weird":               StatusUnknown,
		"":                    StatusUnknown,
	}
	for raw, want := range tests {
		assert.Equal(t, want, NormalizeStatus(raw), "raw=%q", raw)
	}
}
