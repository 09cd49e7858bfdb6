package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/nebulachat/NebulaChat/app/repository"
)

// HandleAdminUsers lists accounts for the admin console, newest first.
func HandleAdminUsers(c *fiber.Ctx) error {
	offset := c.QueryInt("offset", 0)
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}

	repos := repository.GetGlobalRepositories()
	total, err := repos.User.Count()
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "admin_users_failed")
	}
	users, err := repos.User.List(offset, limit)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "admin_users_failed")
	}

	type adminUser struct {
		ID        uint   `json:"id"`
		Username  string `json:"username"`
		Email     string `json:"email"`
		Plan      string `json:"plan"`
		Status    string `json:"status"`
		Role      string `json:"role"`
		CreatedAt string `json:"created_at"`
	}
	out := make([]adminUser, 0, len(users))
	for _, u := range users {
		out = append(out, adminUser{
			ID:        u.ID,
			Username:  u.Name,
			Email:     u.Email,
			Plan:      u.Plan,
			Status:    u.Status,
			Role:      u.Role,
			CreatedAt: u.CreatedAt.Format("2006-01-02 15:04:05"),
		})
	}

	return c.JSON(fiber.Map{
		"total":  total,
		"offset": offset,
		"limit":  limit,
		"users":  out,
	})
}
