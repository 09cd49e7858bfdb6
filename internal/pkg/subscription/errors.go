package subscription

import "errors"

var (
	// ErrAlreadyPremium rejects a purchase while an active premium
	// subscription is in place.
	ErrAlreadyPremium = errors.New("user already has an active premium subscription")

	// ErrNoActiveSubscription rejects a cancel request when no active
	// record exists for the user.
	ErrNoActiveSubscription = errors.New("no active subscription")

	// ErrCheckoutInProgress rejects a purchase while an earlier checkout for
	// the same user is still pending and its redirect can no longer be
	// replayed.
	ErrCheckoutInProgress = errors.New("a checkout for this user is already in progress")
)
