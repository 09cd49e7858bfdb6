package models

import "time"

const (
	SubscriptionStatusPending  = "pending"
	SubscriptionStatusActive   = "active"
	SubscriptionStatusFailed   = "failed"
	SubscriptionStatusRefunded = "refunded"
	SubscriptionStatusExpired  = "expired"
)

// SubscriptionPeriod is the paid period granted per successful payment.
const SubscriptionPeriod = 30 * 24 * time.Hour

// Subscription is one purchase attempt and its lifecycle state. The
// reconciliation engine is the only writer; every transition goes through a
// compare-and-set on (id, status) so that concurrent webhook and callback
// deliveries for the same payment reference cannot double-apply.
type Subscription struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	UserID            uint       `gorm:"not null;index" json:"user_id"`
	PaymentRef        string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"payment_ref"`
	Provider          string     `gorm:"type:varchar(20);not null;default:'gateway'" json:"provider"`
	Status            string     `gorm:"type:varchar(32);not null;default:'pending';index:idx_subscriptions_status_period_end,priority:1" json:"status"`
	CancelAtPeriodEnd bool       `gorm:"default:false" json:"cancel_at_period_end"`
	CurrentPeriodEnd  *time.Time `gorm:"type:timestamp;default:null;index:idx_subscriptions_status_period_end,priority:2" json:"current_period_end,omitempty"`
	CanceledAt        *time.Time `gorm:"type:timestamp;default:null" json:"canceled_at,omitempty"`
	FallbackGrant     bool       `gorm:"default:false" json:"fallback_grant"`
	RawPayloadJSON    string     `gorm:"type:longtext" json:"-"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether the status permits no further transitions.
func (s *Subscription) IsTerminal() bool {
	switch s.Status {
	case SubscriptionStatusFailed, SubscriptionStatusRefunded, SubscriptionStatusExpired:
		return true
	default:
		return false
	}
}

// PeriodElapsed reports whether the paid period has passed. A record without
// a period end never elapses.
func (s *Subscription) PeriodElapsed(now time.Time) bool {
	return s.CurrentPeriodEnd != nil && !s.CurrentPeriodEnd.After(now)
}
