package subscription

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nebulachat/NebulaChat/app/models"
	"github.com/nebulachat/NebulaChat/internal/pkg/cache"
	"github.com/nebulachat/NebulaChat/internal/pkg/env"
	"github.com/nebulachat/NebulaChat/internal/pkg/payment"
)

const (
	gatewayCallTimeout = 15 * time.Second
	redirectCacheTTL   = 30 * time.Minute
)

// Gateway is the outbound payment-provider surface the engine depends on.
// *payment.Client satisfies it; tests substitute fakes.
type Gateway interface {
	Configured() bool
	CreatePayment(ctx context.Context, in payment.CreatePaymentInput) (*payment.Payment, error)
	GetPaymentStatus(ctx context.Context, paymentID string) (payment.Status, error)
}

// Service is the reconciliation engine: the sole authority that mutates a
// user's plan and a subscription's lifecycle state. All three event sources
// (user purchase, user cancel, provider notification) funnel through it, and
// every transition is a compare-and-set so that concurrent deliveries for the
// same payment reference settle to exactly one effective change.
type Service struct {
	repo    Repository
	gateway Gateway
	cfg     Config

	// now is injectable for deterministic expiry tests.
	now func() time.Time
}

// NewService creates a reconciliation service from injected dependencies.
func NewService(repo Repository, gateway Gateway, cfg Config) *Service {
	if cfg.Currency == "" {
		cfg.Currency = "EUR"
	}
	if cfg.AmountCents <= 0 {
		cfg.AmountCents = 999
	}
	return &Service{repo: repo, gateway: gateway, cfg: cfg, now: time.Now}
}

// NewServiceFromDB creates a service over GORM with pricing from the environment.
func NewServiceFromDB(db *gorm.DB, gateway Gateway) *Service {
	amount := int64(999)
	if v, err := strconv.ParseInt(env.GetEnv("PREMIUM_PRICE_CENTS", "999"), 10, 64); err == nil && v > 0 {
		amount = v
	}
	base := strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/")
	returnURL := strings.TrimSpace(env.GetEnv("PAYMENT_RETURN_URL", ""))
	if returnURL == "" && base != "" {
		returnURL = base + "/payment/callback"
	}
	return NewService(NewRepository(db), gateway, Config{
		AmountCents: amount,
		Currency:    env.GetEnv("PREMIUM_PRICE_CURRENCY", "EUR"),
		ReturnURL:   returnURL,
	})
}

// SetClock overrides the engine's clock; tests only.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// CreateSubscription starts a purchase for the user. With gateway credentials
// present it persists a pending record and returns the provider redirect URL.
// Without credentials, or when the provider is unreachable, it degrades to an
// immediate 30-day grant; that policy is deliberate and keeps a create call
// from ever stranding a record in pending.
func (s *Service) CreateSubscription(ctx context.Context, userID uint) (*CreateResult, error) {
	user, err := s.repo.GetUser(userID)
	if err != nil {
		return nil, err
	}

	// At most one active record per user, so any active grant blocks a new
	// purchase regardless of what the plan column currently says.
	if _, err := s.repo.GetActiveByUser(userID); err == nil {
		return nil, ErrAlreadyPremium
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// An open checkout blocks a second one. Replay its redirect when the
	// cache still holds it; otherwise the stale-pending re-query settles the
	// record before the user can try again.
	if pending, err := s.repo.GetPendingByUser(userID); err == nil {
		if url, cerr := cache.Get(redirectCacheKey(pending.PaymentRef)); cerr == nil && url != "" {
			return &CreateResult{RedirectURL: url, PaymentRef: pending.PaymentRef}, nil
		}
		return nil, ErrCheckoutInProgress
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	ref := uuid.New().String()
	sub := &models.Subscription{
		UserID:     userID,
		PaymentRef: ref,
		Provider:   payment.ProviderGateway,
		Status:     models.SubscriptionStatusPending,
	}
	if err := s.repo.CreateSubscription(sub); err != nil {
		return nil, err
	}

	if !s.gateway.Configured() {
		log.Infof("[Subscription] gateway not configured, direct grant for user %d", userID)
		return s.grantFallback(sub)
	}

	callCtx, cancel := context.WithTimeout(ctx, gatewayCallTimeout)
	defer cancel()

	created, err := s.gateway.CreatePayment(callCtx, payment.CreatePaymentInput{
		PaymentRef:  ref,
		UserID:      userID,
		Email:       user.Email,
		AmountCents: s.cfg.AmountCents,
		Currency:    s.cfg.Currency,
		ReturnURL:   s.cfg.ReturnURL,
		Description: "NebulaChat Premium (30 days)",
	})
	if err != nil {
		if errors.Is(err, payment.ErrGatewayUnavailable) {
			log.Warnf("[Subscription] gateway unavailable for user %d, direct grant: %v", userID, err)
			return s.grantFallback(sub)
		}
		// The provider rejected the request outright; close the record so it
		// cannot linger in pending.
		if _, terr := s.repo.Transition(Transition{
			SubID:      sub.ID,
			FromStatus: models.SubscriptionStatusPending,
			SubUpdates: map[string]interface{}{"status": models.SubscriptionStatusFailed},
		}); terr != nil {
			log.Errorf("[Subscription] failed to close rejected record %d: %v", sub.ID, terr)
		}
		return nil, err
	}

	// The provider assigns the canonical payment id; webhook and callback both
	// identify the record by it.
	if created.ID != "" && created.ID != ref {
		if err := s.repo.UpdatePaymentRef(sub.ID, created.ID); err != nil {
			return nil, err
		}
		ref = created.ID
	}

	// Cache the redirect so a repeated create can resume the same checkout.
	if err := cache.Set(redirectCacheKey(ref), created.RedirectURL, redirectCacheTTL); err != nil {
		log.Warnf("[Subscription] caching redirect for %s failed: %v", ref, err)
	}

	return &CreateResult{RedirectURL: created.RedirectURL, PaymentRef: ref}, nil
}

func redirectCacheKey(ref string) string {
	return "payment:redirect:" + ref
}

// dropCachedRedirect removes a settled checkout's replayable redirect.
func (s *Service) dropCachedRedirect(ref string) {
	if err := cache.Delete(redirectCacheKey(ref)); err != nil {
		log.Debugf("[Subscription] dropping cached redirect for %s failed: %v", ref, err)
	}
}

func (s *Service) grantFallback(sub *models.Subscription) (*CreateResult, error) {
	end := s.now().Add(models.SubscriptionPeriod)
	applied, err := s.repo.Transition(Transition{
		SubID:      sub.ID,
		FromStatus: models.SubscriptionStatusPending,
		SubUpdates: map[string]interface{}{
			"status":             models.SubscriptionStatusActive,
			"fallback_grant":     true,
			"current_period_end": &end,
		},
		UserID: sub.UserID,
		UserUpdates: map[string]interface{}{
			"plan":            models.PlanPremium,
			"plan_expires_at": &end,
		},
		EnsureSoleActive: true,
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		// Raced with a provider event that already settled the record.
		return &CreateResult{Granted: true, PaymentRef: sub.PaymentRef}, nil
	}
	return &CreateResult{Granted: true, PaymentRef: sub.PaymentRef, PeriodEnd: &end}, nil
}

// ApplyPaymentEvent applies one provider notification to the subscription it
// references. It is idempotent: duplicated or out-of-order deliveries observe
// a non-matching precondition and degrade to a no-op success. The returned
// bool reports whether this call was the one that applied the transition.
func (s *Service) ApplyPaymentEvent(ctx context.Context, ev *payment.Event) (bool, error) {
	_ = ctx
	sub, err := s.repo.GetByPaymentRef(ev.PaymentRef)
	if err != nil {
		return false, err
	}

	switch ev.Kind {
	case payment.KindPaymentSucceeded:
		if sub.Status != models.SubscriptionStatusPending {
			// Already active (duplicate) or terminal (stale): nothing to do.
			return false, nil
		}
		end := s.now().Add(models.SubscriptionPeriod)
		applied, err := s.repo.Transition(Transition{
			SubID:      sub.ID,
			FromStatus: models.SubscriptionStatusPending,
			SubUpdates: map[string]interface{}{
				"status":             models.SubscriptionStatusActive,
				"current_period_end": &end,
				"raw_payload_json":   ev.RawJSON,
			},
			UserID: sub.UserID,
			UserUpdates: map[string]interface{}{
				"plan":            models.PlanPremium,
				"plan_expires_at": &end,
			},
			EnsureSoleActive: true,
		})
		if err == nil {
			s.dropCachedRedirect(sub.PaymentRef)
		}
		return applied, err

	case payment.KindPaymentCanceled:
		if sub.Status != models.SubscriptionStatusPending {
			return false, nil
		}
		applied, err := s.repo.Transition(Transition{
			SubID:      sub.ID,
			FromStatus: models.SubscriptionStatusPending,
			SubUpdates: map[string]interface{}{
				"status":           models.SubscriptionStatusFailed,
				"raw_payload_json": ev.RawJSON,
			},
		})
		if err == nil {
			s.dropCachedRedirect(sub.PaymentRef)
		}
		return applied, err

	case payment.KindRefundSucceeded:
		if sub.Status != models.SubscriptionStatusActive {
			// Already refunded (duplicate) or never granted: nothing to do.
			return false, nil
		}
		now := s.now()
		return s.repo.Transition(Transition{
			SubID:      sub.ID,
			FromStatus: models.SubscriptionStatusActive,
			SubUpdates: map[string]interface{}{
				"status":             models.SubscriptionStatusRefunded,
				"current_period_end": nil,
				"canceled_at":        &now,
				"raw_payload_json":   ev.RawJSON,
			},
			UserID: sub.UserID,
			UserUpdates: map[string]interface{}{
				"plan":            models.PlanFree,
				"plan_expires_at": nil,
			},
		})

	default:
		// Unknown event kinds are recorded by the caller and ignored here.
		return false, nil
	}
}

// RequestCancel disables auto-renew on the user's active subscription. The
// plan stays granted until the period end; the expiry sweep downgrades later.
func (s *Service) RequestCancel(ctx context.Context, userID uint) (*models.Subscription, error) {
	_ = ctx
	sub, err := s.repo.GetActiveByUser(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoActiveSubscription
		}
		return nil, err
	}

	now := s.now()
	applied, err := s.repo.Transition(Transition{
		SubID:      sub.ID,
		FromStatus: models.SubscriptionStatusActive,
		SubUpdates: map[string]interface{}{
			"cancel_at_period_end": true,
			"canceled_at":          &now,
		},
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		// The record left active between lookup and update.
		return nil, ErrNoActiveSubscription
	}

	sub.CancelAtPeriodEnd = true
	sub.CanceledAt = &now
	return sub, nil
}

// QueryStatus returns the current record for a payment reference. When the
// record is still pending and stale beyond the configured threshold, it reads
// through to the gateway to recover from a lost webhook.
func (s *Service) QueryStatus(ctx context.Context, paymentRef string) (*models.Subscription, error) {
	sub, err := s.repo.GetByPaymentRef(paymentRef)
	if err != nil {
		return nil, err
	}
	if sub.Status != models.SubscriptionStatusPending {
		return sub, nil
	}
	if s.now().Sub(sub.UpdatedAt) < s.pendingStaleThreshold() {
		return sub, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, gatewayCallTimeout)
	defer cancel()

	status, err := s.gateway.GetPaymentStatus(callCtx, sub.PaymentRef)
	if err != nil {
		log.Warnf("[Subscription] status re-query failed for %s: %v", sub.PaymentRef, err)
		return sub, nil
	}

	ev := eventFromStatus(sub.PaymentRef, status, s.now())
	if ev == nil {
		return sub, nil
	}
	if _, err := s.ApplyPaymentEvent(ctx, ev); err != nil {
		return sub, err
	}
	return s.repo.GetByPaymentRef(paymentRef)
}

// SweepExpired downgrades active subscriptions whose paid period has elapsed.
// Runs from the background sweeper on a configurable interval.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	_ = ctx
	now := s.now()
	subs, err := s.repo.ListExpiredActive(now, 500)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, sub := range subs {
		applied, err := s.repo.Transition(Transition{
			SubID:      sub.ID,
			FromStatus: models.SubscriptionStatusActive,
			SubUpdates: map[string]interface{}{
				"status": models.SubscriptionStatusExpired,
			},
			UserID: sub.UserID,
			UserUpdates: map[string]interface{}{
				"plan":            models.PlanFree,
				"plan_expires_at": nil,
			},
		})
		if err != nil {
			return expired, err
		}
		if applied {
			expired++
			log.Infof("[Subscription] expired subscription %d for user %d", sub.ID, sub.UserID)
		}
	}
	return expired, nil
}

// RequeryStalePending resolves pending records whose webhook apparently never
// arrived by querying the gateway for each.
func (s *Service) RequeryStalePending(ctx context.Context) (int, error) {
	olderThan := s.now().Add(-s.pendingStaleThreshold())
	subs, err := s.repo.ListStalePending(olderThan, 200)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, sub := range subs {
		after, err := s.QueryStatus(ctx, sub.PaymentRef)
		if err != nil {
			log.Warnf("[Subscription] re-query of %s failed: %v", sub.PaymentRef, err)
			continue
		}
		if after.Status != models.SubscriptionStatusPending {
			resolved++
		}
	}
	return resolved, nil
}

// RecordEvent persists the idempotency marker for an inbound notification.
// The bool reports whether this delivery was the first one.
func (s *Service) RecordEvent(ctx context.Context, in EventInput) (bool, *models.PaymentEvent, error) {
	_ = ctx
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		provider = payment.ProviderGateway
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.PaymentEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		PaymentRef:      strings.TrimSpace(in.PaymentRef),
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	}
	return s.repo.CreateEventIfNotExists(event)
}

// MarkEventProcessed marks an event as processed and stores an optional error.
func (s *Service) MarkEventProcessed(ctx context.Context, eventID uint, processingErr error) error {
	_ = ctx
	if eventID == 0 {
		return errors.New("payment_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkEventProcessed(eventID, errMsg)
}

func (s *Service) pendingStaleThreshold() time.Duration {
	if settings := models.GetAppSettings(); settings != nil {
		return settings.GetPendingStaleThreshold()
	}
	return 2 * time.Minute
}

func eventFromStatus(paymentRef string, status payment.Status, now time.Time) *payment.Event {
	var kind payment.EventKind
	switch status {
	case payment.StatusSucceeded:
		kind = payment.KindPaymentSucceeded
	case payment.StatusCanceled, payment.StatusFailed:
		kind = payment.KindPaymentCanceled
	case payment.StatusRefundSucceeded:
		kind = payment.KindRefundSucceeded
	default:
		return nil
	}
	return &payment.Event{
		Kind:       kind,
		EventID:    "requery:" + paymentRef + ":" + string(status),
		PaymentRef: paymentRef,
		Status:     status,
		ReceivedAt: now,
	}
}
