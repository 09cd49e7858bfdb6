package controllers

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/nebulachat/NebulaChat/app/models"
	"github.com/nebulachat/NebulaChat/app/repository"
	"github.com/nebulachat/NebulaChat/internal/pkg/database"
	"github.com/nebulachat/NebulaChat/internal/pkg/session"
)

const (
	AUTH_KEY       string = "authenticated"
	USER_ID        string = "user_id"
	USER_NAME      string = "username"
	USER_IS_ADMIN  string = "isAdmin"
	USER_PLAN      string = "user_plan"
	FROM_PROTECTED string = "from_protected"
)

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func HandleAuthRegister(c *fiber.Ctx) error {
	if isLoggedIn(c) {
		return jsonError(c, fiber.StatusBadRequest, "already_authenticated")
	}

	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_payload")
	}

	user, err := models.CreateUser(strings.TrimSpace(req.Username), strings.ToLower(strings.TrimSpace(req.Email)), req.Password)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_user_data")
	}

	repo := repository.GetGlobalFactory().GetUserRepository()
	if _, err := repo.GetByEmail(user.Email); err == nil {
		return jsonError(c, fiber.StatusConflict, "email_taken")
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return jsonError(c, fiber.StatusInternalServerError, "registration_failed")
	}

	if err := repo.Create(user); err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "registration_failed")
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":       user.ID,
		"username": user.Name,
		"email":    user.Email,
		"plan":     user.Plan,
	})
}

func HandleAuthLogin(c *fiber.Ctx) error {
	if isLoggedIn(c) {
		return jsonError(c, fiber.StatusBadRequest, "already_authenticated")
	}

	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_payload")
	}

	// notice: in production you should not inform the user
	// with detailed messages about login failures
	repo := repository.GetGlobalFactory().GetUserRepository()
	user, err := repo.GetByEmail(strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		return jsonError(c, fiber.StatusUnauthorized, "login_failed")
	}

	if !models.CheckPasswordHash(req.Password, user.Password) {
		return jsonError(c, fiber.StatusUnauthorized, "login_failed")
	}

	if !user.IsActive() {
		return jsonError(c, fiber.StatusForbidden, "account_disabled")
	}

	sess, err := session.GetSessionStore().Get(c)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "session_failed")
	}

	sess.Set(AUTH_KEY, true)
	sess.Set(USER_ID, user.ID)
	sess.Set(USER_NAME, user.Name)
	sess.Set(USER_IS_ADMIN, user.Role == models.ROLE_ADMIN)
	sess.Set(USER_PLAN, user.Plan)

	if err := sess.Save(); err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "session_failed")
	}

	database.GetDB().Model(user).Update("last_login_at", time.Now())

	log.Infof("[Auth] %s logged in from %s", user.Email, GetClientIP(c))

	return c.JSON(fiber.Map{
		"id":       user.ID,
		"username": user.Name,
		"plan":     user.Plan,
	})
}

func HandleAuthLogout(c *fiber.Ctx) error {
	sess, err := session.GetSessionStore().Get(c)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "session_failed")
	}

	username := ExtractUsername(c)

	if err := sess.Destroy(); err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "session_failed")
	}

	log.Infof("[Auth] %s logged out", username)

	c.Locals(FROM_PROTECTED, false)

	return c.JSON(fiber.Map{"success": true})
}
