package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/nebulachat/NebulaChat/app/controllers"
	"github.com/nebulachat/NebulaChat/internal/pkg/constants"
	"github.com/nebulachat/NebulaChat/internal/pkg/middleware"
	"github.com/nebulachat/NebulaChat/internal/pkg/session"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// init session
	session.NewSessionStore()

	// Apply UserContext middleware globally as first middleware
	app.Use(middleware.UserContextMiddleware)

	h.registerPublicRoutes(app)
	h.registerProtectedRoutes(app)
}

func (h HttpRouter) registerPublicRoutes(app *fiber.App) {
	// Auth
	app.Post(constants.RegisterRoute, controllers.HandleAuthRegister)
	app.Post(constants.LoginRoute, controllers.HandleAuthLogin)
	app.Post(constants.LogoutRoute, middleware.RequireAuth, controllers.HandleAuthLogout)

	// Gateway webhook (no session, signature-verified in controller)
	app.Post(constants.PaymentWebhookRoute, controllers.HandlePaymentWebhook)
}

func (h HttpRouter) registerProtectedRoutes(app *fiber.App) {
	// Subscription lifecycle
	app.Post(constants.SubscriptionRoute, middleware.RequireAuth, controllers.HandleSubscriptionCreate)
	app.Get(constants.SubscriptionRoute, middleware.RequireAuth, controllers.HandleSubscriptionStatus)
	app.Post(constants.SubscriptionCancelRoute, middleware.RequireAuth, controllers.HandleSubscriptionCancel)
	app.Get(constants.PaymentCallbackRoute, controllers.HandlePaymentCallback)

	// Account
	app.Get("/user/profile", middleware.RequireAuth, controllers.HandleUserProfile)
	app.Post("/user/api-key", middleware.RequireAuth, controllers.HandleAPIKeyGenerate)
	app.Delete("/user/api-key", middleware.RequireAuth, controllers.HandleAPIKeyRevoke)

	// Chat (session auth)
	app.Get("/chats", middleware.RequireAuth, controllers.HandleChatList)
	app.Post("/chats", middleware.RequireAuth, controllers.HandleChatCreate)
	app.Get("/chats/:uuid", middleware.RequireAuth, controllers.HandleChatGet)
	app.Delete("/chats/:uuid", middleware.RequireAuth, controllers.HandleChatDelete)
	app.Post("/chats/:uuid/messages", middleware.RequireAuth, controllers.HandleChatSend)
	app.Get("/models", controllers.HandleChatModels)

	// Admin
	app.Get("/admin/users", middleware.RequireAdmin, controllers.HandleAdminUsers)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}
