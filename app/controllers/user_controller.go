package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/nebulachat/NebulaChat/app/repository"
	"github.com/nebulachat/NebulaChat/internal/pkg/cache"
	"github.com/nebulachat/NebulaChat/internal/pkg/entitlements"
	"github.com/nebulachat/NebulaChat/internal/pkg/quota"
	"github.com/nebulachat/NebulaChat/internal/pkg/usercontext"
)

// HandleUserProfile returns the caller's account including live quota usage.
func HandleUserProfile(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	if userID == 0 {
		return jsonError(c, fiber.StatusUnauthorized, "unauthenticated")
	}

	repo := repository.GetGlobalFactory().GetUserRepository()
	user, err := repo.GetByID(userID)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "profile_failed")
	}

	used := user.MessagesToday
	if cache.GetClient() != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if live, _, err := quota.NewLedger().Peek(ctx, user.ID); err == nil {
			used = live
		} else {
			log.Warnf("[User] Quota peek failed for user %d: %v", user.ID, err)
		}
	}

	chatCount, err := repository.GetGlobalFactory().GetChatRepository().CountByUserID(user.ID)
	if err != nil {
		log.Warnf("[User] Chat count failed for user %d: %v", user.ID, err)
	}

	resp := fiber.Map{
		"id":             user.ID,
		"username":       user.Name,
		"email":          user.Email,
		"plan":           user.Plan,
		"messages_used":  used,
		"chat_count":     chatCount,
		"api_key_prefix": user.APIKeyPrefix,
		"api_key_active": user.HasActiveAPIKey(),
	}
	if user.HasUnexpiredPremium(time.Now()) {
		resp["daily_limit"] = nil
	} else {
		resp["daily_limit"] = entitlements.DailyFreeLimit
	}
	if user.PlanExpiresAt != nil {
		resp["plan_expires_at"] = user.PlanExpiresAt
	}

	return c.JSON(resp)
}

// HandleAPIKeyGenerate issues a fresh API key. The raw secret is shown
// exactly once; only its hash is stored.
func HandleAPIKeyGenerate(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	if userID == 0 {
		return jsonError(c, fiber.StatusUnauthorized, "unauthenticated")
	}

	repo := repository.GetGlobalFactory().GetUserRepository()
	user, err := repo.GetByID(userID)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "api_key_failed")
	}

	rawKey, err := user.IssueAPIKey()
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "api_key_failed")
	}
	if err := repo.Update(user); err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "api_key_failed")
	}

	log.Infof("[User] Issued new API key for %s", usercontext.GetUsername(c))

	return c.JSON(fiber.Map{
		"api_key":        rawKey,
		"api_key_prefix": user.APIKeyPrefix,
	})
}

// HandleAPIKeyRevoke revokes the caller's current API key.
func HandleAPIKeyRevoke(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	if userID == 0 {
		return jsonError(c, fiber.StatusUnauthorized, "unauthenticated")
	}

	repo := repository.GetGlobalFactory().GetUserRepository()
	user, err := repo.GetByID(userID)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "api_key_failed")
	}

	if !user.HasActiveAPIKey() {
		return jsonError(c, fiber.StatusNotFound, "no_active_api_key")
	}

	user.RevokeAPIKey()
	if err := repo.Update(user); err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "api_key_failed")
	}

	return c.JSON(fiber.Map{"success": true})
}
