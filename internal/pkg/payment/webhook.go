package payment

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidPayload marks a webhook body this service cannot parse. The
// webhook handler logs it and still answers 200 so the provider stops
// retrying a payload that will never become valid.
var ErrInvalidPayload = errors.New("invalid webhook payload")

// EventKind is the tagged union of provider notification types we act on.
// Everything else lands on KindOther and is recorded but not applied.
type EventKind int

const (
	KindOther EventKind = iota
	KindPaymentSucceeded
	KindPaymentCanceled
	KindRefundSucceeded
)

func (k EventKind) String() string {
	switch k {
	case KindPaymentSucceeded:
		return "payment.succeeded"
	case KindPaymentCanceled:
		return "payment.canceled"
	case KindRefundSucceeded:
		return "refund.succeeded"
	default:
		return "other"
	}
}

// KindFromEventType maps the provider's event name onto the union.
func KindFromEventType(eventType string) EventKind {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case "payment.succeeded":
		return KindPaymentSucceeded
	case "payment.canceled", "payment.cancelled":
		return KindPaymentCanceled
	case "refund.succeeded":
		return KindRefundSucceeded
	default:
		return KindOther
	}
}

// EventStatus is the payment status a given event kind implies.
func (k EventKind) EventStatus() Status {
	switch k {
	case KindPaymentSucceeded:
		return StatusSucceeded
	case KindPaymentCanceled:
		return StatusCanceled
	case KindRefundSucceeded:
		return StatusRefundSucceeded
	default:
		return StatusUnknown
	}
}

// ParseWebhookEvent decodes the provider webhook body:
//
//	{"event": "...", "object": {"id": "...", "status": "...", "metadata": {"user_id": "..."}}}
//
// The returned Event carries KindOther for event names we do not act on;
// callers record those and no-op.
func ParseWebhookEvent(raw []byte, receivedAt time.Time) (*Event, error) {
	var body struct {
		Event  string `json:"event"`
		Object struct {
			ID       string `json:"id"`
			Status   string `json:"status"`
			Metadata struct {
				UserID     string `json:"user_id"`
				PaymentRef string `json:"payment_ref"`
			} `json:"metadata"`
		} `json:"object"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, ErrInvalidPayload
	}
	if strings.TrimSpace(body.Event) == "" || strings.TrimSpace(body.Object.ID) == "" {
		return nil, ErrInvalidPayload
	}

	kind := KindFromEventType(body.Event)
	status := NormalizeStatus(strings.TrimSpace(body.Object.Status))
	if status == StatusUnknown {
		status = kind.EventStatus()
	}

	var userID uint
	if v, err := strconv.ParseUint(strings.TrimSpace(body.Object.Metadata.UserID), 10, 64); err == nil {
		userID = uint(v)
	}

	// Records are keyed by the provider's payment id once checkout opened;
	// the metadata ref only identifies payments the provider never saw.
	paymentRef := strings.TrimSpace(body.Object.ID)
	if paymentRef == "" {
		paymentRef = strings.TrimSpace(body.Object.Metadata.PaymentRef)
	}

	return &Event{
		Kind:       kind,
		EventID:    body.Event + ":" + body.Object.ID,
		PaymentRef: paymentRef,
		UserID:     userID,
		Status:     status,
		ReceivedAt: receivedAt,
		RawJSON:    string(raw),
	}, nil
}
