package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubscriptionIsTerminal(t *testing.T) {
	for status, terminal := range map[string]bool{
		SubscriptionStatusPending:  false,
		SubscriptionStatusActive:   false,
		SubscriptionStatusFailed:   true,
		SubscriptionStatusRefunded: true,
		SubscriptionStatusExpired:  true,
	} {
		s := &Subscription{Status: status}
		assert.Equal(t, terminal, s.IsTerminal(), "status=%s", status)
	}
}

func TestSubscriptionPeriodElapsed(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	future := now.Add(time.Hour)

	assert.True(t, (&Subscription{CurrentPeriodEnd: &past}).PeriodElapsed(now))
	assert.True(t, (&Subscription{CurrentPeriodEnd: &now}).PeriodElapsed(now))
	assert.False(t, (&Subscription{CurrentPeriodEnd: &future}).PeriodElapsed(now))

	// A record without a period end never elapses.
	assert.False(t, (&Subscription{}).PeriodElapsed(now))
}
