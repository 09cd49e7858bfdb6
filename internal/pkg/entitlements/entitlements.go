package entitlements

import (
	"errors"
	"time"

	"github.com/nebulachat/NebulaChat/app/models"
)

// DailyFreeLimit is the number of messages a free-tier user may send per
// rolling 24-hour window.
const DailyFreeLimit = 50

var (
	// ErrDailyLimitExceeded is returned when a free-tier user has exhausted
	// the daily message allowance.
	ErrDailyLimitExceeded = errors.New("entitlements: daily message limit exceeded")
	// ErrModelRequiresPremium is returned when a free-tier user requests a
	// model gated behind the premium plan.
	ErrModelRequiresPremium = errors.New("entitlements: model requires premium plan")
)

// Snapshot carries the facts the gate decides on. Callers assemble it from a
// freshly loaded user row plus the live quota counter; the gate itself never
// touches storage.
type Snapshot struct {
	Plan          string
	PlanExpiresAt *time.Time
	MessagesUsed  int
	ModelKey      string
	ModelPlan     string // required plan of the requested model
}

// Decision is the gate's verdict for a single message-send attempt.
type Decision struct {
	EffectivePlan string
	Remaining     int // -1 means unmetered
}

// Evaluate decides whether a message send is allowed. It is a pure function:
// same snapshot, same verdict. An expired premium grant is treated as free
// without mutating anything; reconciliation downgrades the stored row later.
func Evaluate(snap Snapshot, now time.Time) (Decision, error) {
	plan := effectivePlan(snap, now)

	if snap.ModelPlan == models.PlanPremium && plan != models.PlanPremium {
		return Decision{EffectivePlan: plan}, ErrModelRequiresPremium
	}

	if plan == models.PlanPremium {
		return Decision{EffectivePlan: plan, Remaining: -1}, nil
	}

	if snap.MessagesUsed >= DailyFreeLimit {
		return Decision{EffectivePlan: plan}, ErrDailyLimitExceeded
	}
	return Decision{EffectivePlan: plan, Remaining: DailyFreeLimit - snap.MessagesUsed - 1}, nil
}

func effectivePlan(snap Snapshot, now time.Time) string {
	if snap.Plan != models.PlanPremium {
		return models.PlanFree
	}
	// A premium grant without an expiry never lapses here.
	if snap.PlanExpiresAt != nil && !snap.PlanExpiresAt.After(now) {
		return models.PlanFree
	}
	return models.PlanPremium
}
