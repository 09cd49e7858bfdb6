package payment

import "time"

const ProviderGateway = "gateway"

// Status is the provider-reported state of a payment.
type Status string

const (
	StatusPending         Status = "pending"
	StatusSucceeded       Status = "succeeded"
	StatusCanceled        Status = "canceled"
	StatusFailed          Status = "failed"
	StatusRefundSucceeded Status = "refund_succeeded"
	StatusUnknown         Status = "unknown"
)

// Payment is the gateway's view of a created payment.
type Payment struct {
	ID          string
	RedirectURL string
	Status      Status
}

// CreatePaymentInput carries everything the gateway needs to open a checkout.
type CreatePaymentInput struct {
	PaymentRef  string
	UserID      uint
	Email       string
	AmountCents int64
	Currency    string
	ReturnURL   string
	Description string
}

// NormalizeStatus maps provider status strings onto the local enum.
func NormalizeStatus(raw string) Status {
	switch raw {
	case "pending", "waiting_for_capture", "processing":
		return StatusPending
	case "succeeded", "paid", "completed":
		return StatusSucceeded
	case "canceled", "cancelled":
		return StatusCanceled
	case "failed", "declined", "error":
		return StatusFailed
	case "refund_succeeded", "refunded":
		return StatusRefundSucceeded
	default:
		return StatusUnknown
	}
}

// Event is a normalized inbound provider notification (webhook or the result
// of a status re-query), ready for the reconciliation engine.
type Event struct {
	Kind       EventKind
	EventID    string
	PaymentRef string
	UserID     uint
	Status     Status
	ReceivedAt time.Time
	RawJSON    string
}
