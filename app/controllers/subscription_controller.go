package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/sujit-baniya/flash"
	"gorm.io/gorm"

	"github.com/nebulachat/NebulaChat/app/models"
	"github.com/nebulachat/NebulaChat/internal/pkg/database"
	"github.com/nebulachat/NebulaChat/internal/pkg/env"
	"github.com/nebulachat/NebulaChat/internal/pkg/payment"
	"github.com/nebulachat/NebulaChat/internal/pkg/session"
	"github.com/nebulachat/NebulaChat/internal/pkg/subscription"
	"github.com/nebulachat/NebulaChat/internal/pkg/usercontext"
)

// HandleSubscriptionCreate starts a premium purchase for the logged-in user.
// When the gateway is unconfigured or unreachable the engine grants premium
// directly and no redirect is returned.
func HandleSubscriptionCreate(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return jsonError(c, fiber.StatusUnauthorized, "unauthenticated")
	}

	svc := subscription.NewServiceFromDB(database.GetDB(), payment.NewClientFromEnv())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	result, err := svc.CreateSubscription(ctx, userCtx.UserID)
	if err != nil {
		if errors.Is(err, subscription.ErrAlreadyPremium) {
			return jsonError(c, fiber.StatusConflict, "already_premium")
		}
		if errors.Is(err, subscription.ErrCheckoutInProgress) {
			return jsonError(c, fiber.StatusConflict, "checkout_in_progress")
		}
		log.Errorf("[Subscription] Create failed for user %d: %v", userCtx.UserID, err)
		return jsonError(c, fiber.StatusInternalServerError, "subscription_create_failed")
	}

	if result.Granted {
		_ = session.SetSessionValue(c, USER_PLAN, models.PlanPremium)
		return c.JSON(fiber.Map{
			"granted":    true,
			"period_end": result.PeriodEnd,
		})
	}

	return c.JSON(fiber.Map{
		"redirect_url": result.RedirectURL,
		"payment_ref":  result.PaymentRef,
	})
}

// HandlePaymentCallback is where the gateway sends the user's browser after
// checkout. The payment may still settle via webhook, so the outcome here is
// whatever state the engine has reconciled to by now.
func HandlePaymentCallback(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Redirect("/login", fiber.StatusSeeOther)
	}

	paymentID := strings.TrimSpace(c.Query("paymentId"))
	if paymentID == "" {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Missing payment reference"}).Redirect("/subscription?error=missing_payment_id")
	}

	svc := subscription.NewServiceFromDB(database.GetDB(), payment.NewClientFromEnv())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	sub, err := svc.QueryStatus(ctx, paymentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return flash.WithError(c, fiber.Map{"type": "error", "message": "Unknown payment"}).Redirect("/subscription?error=unknown_payment")
		}
		log.Errorf("[Subscription] Callback reconcile failed for %s: %v", paymentID, err)
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Payment status check failed"}).Redirect("/subscription?error=status_check_failed")
	}

	switch sub.Status {
	case models.SubscriptionStatusActive:
		_ = session.SetSessionValue(c, USER_PLAN, models.PlanPremium)
		return flash.WithSuccess(c, fiber.Map{"type": "success", "message": "Welcome to Premium!"}).Redirect("/subscription?upgraded=true")
	case models.SubscriptionStatusPending:
		return c.Redirect("/subscription?status=pending", fiber.StatusSeeOther)
	default:
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Payment was not completed"}).Redirect("/subscription?error=payment_failed")
	}
}

// HandlePaymentWebhook ingests asynchronous gateway notifications. Once the
// idempotency marker is durably recorded the response is always 200; the
// gateway retries on anything else and duplicates are already harmless.
func HandlePaymentWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("X-Payment-Signature"))
	secret := env.GetEnv("PAYMENT_WEBHOOK_SECRET", "")

	svc := subscription.NewServiceFromDB(database.GetDB(), payment.NewClientFromEnv())
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ev, parseErr := payment.ParseWebhookEvent(rawBody, time.Now())

	eventID := ""
	paymentRef := ""
	if ev != nil {
		eventID = ev.EventID
		paymentRef = ev.PaymentRef
	}
	signatureValid := payment.VerifyWebhookSignature(rawBody, signature, secret)

	created, stored, err := svc.RecordEvent(ctx, subscription.EventInput{
		Provider:        payment.ProviderGateway,
		ProviderEventID: eventID,
		EventType:       eventKindLabel(ev),
		PaymentRef:      paymentRef,
		PayloadJSON:     string(rawBody),
		SignatureValid:  signatureValid,
	})
	if err != nil {
		// No durable marker yet: signal the gateway to retry.
		return jsonError(c, fiber.StatusInternalServerError, "webhook_persist_failed")
	}
	if !created {
		return c.JSON(fiber.Map{"ok": true, "duplicate": true})
	}

	if !signatureValid {
		log.Warnf("[Subscription] Webhook signature invalid (event %s, from %s)", eventID, GetClientIP(c))
		_ = svc.MarkEventProcessed(ctx, stored.ID, errors.New("invalid webhook signature"))
		return c.JSON(fiber.Map{"ok": true, "ignored": true})
	}
	if parseErr != nil {
		log.Warnf("[Subscription] Webhook payload malformed: %v", parseErr)
		_ = svc.MarkEventProcessed(ctx, stored.ID, parseErr)
		return c.JSON(fiber.Map{"ok": true, "ignored": true})
	}

	_, applyErr := svc.ApplyPaymentEvent(ctx, ev)
	_ = svc.MarkEventProcessed(ctx, stored.ID, applyErr)
	if applyErr != nil {
		log.Errorf("[Subscription] Webhook apply failed (event %s): %v", eventID, applyErr)
	}

	return c.JSON(fiber.Map{"ok": true})
}

// HandleSubscriptionCancel flags the active subscription to lapse at period
// end. Premium access continues until then.
func HandleSubscriptionCancel(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return jsonError(c, fiber.StatusUnauthorized, "unauthenticated")
	}

	svc := subscription.NewServiceFromDB(database.GetDB(), payment.NewClientFromEnv())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub, err := svc.RequestCancel(ctx, userCtx.UserID)
	if err != nil {
		if errors.Is(err, subscription.ErrNoActiveSubscription) {
			return jsonError(c, fiber.StatusNotFound, "no_active_subscription")
		}
		log.Errorf("[Subscription] Cancel failed for user %d: %v", userCtx.UserID, err)
		return jsonError(c, fiber.StatusInternalServerError, "cancel_failed")
	}

	return c.JSON(fiber.Map{
		"success":    true,
		"message":    "Subscription will end at the current period end",
		"period_end": sub.CurrentPeriodEnd,
	})
}

// HandleSubscriptionStatus reports the caller's current subscription.
func HandleSubscriptionStatus(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return jsonError(c, fiber.StatusUnauthorized, "unauthenticated")
	}

	var sub models.Subscription
	err := database.GetDB().
		Where("user_id = ? AND status = ?", userCtx.UserID, models.SubscriptionStatusActive).
		Order("id DESC").First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.JSON(fiber.Map{"plan": models.PlanFree, "active": false})
		}
		return jsonError(c, fiber.StatusInternalServerError, "status_failed")
	}

	return c.JSON(fiber.Map{
		"plan":                 models.PlanPremium,
		"active":               true,
		"cancel_at_period_end": sub.CancelAtPeriodEnd,
		"current_period_end":   sub.CurrentPeriodEnd,
		"fallback_grant":       sub.FallbackGrant,
	})
}

func eventKindLabel(ev *payment.Event) string {
	if ev == nil {
		return "unknown"
	}
	return ev.Kind.String()
}
