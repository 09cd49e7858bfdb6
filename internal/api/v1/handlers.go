package apiv1

import (
	"github.com/gofiber/fiber/v2"

	// Delegate to existing controllers to keep behavior consistent
	"github.com/nebulachat/NebulaChat/app/controllers"
	"github.com/nebulachat/NebulaChat/internal/pkg/middleware"
)

// Pong is the ping endpoint response
type Pong struct {
	Ping string `json:"ping"`
}

// APIServer implements the v1 surface
type APIServer struct{}

// NewAPIServer creates a new API server instance
func NewAPIServer() *APIServer {
	return &APIServer{}
}

// RegisterHandlers attaches the v1 routes to the given group. Everything
// except ping is API-key protected.
func RegisterHandlers(r fiber.Router, s *APIServer) {
	r.Get("/ping", s.GetPing)

	keyed := r.Group("", middleware.APIKeyAuthMiddleware())
	keyed.Get("/user/profile", s.GetUserProfile)
	keyed.Get("/models", s.GetModels)
	keyed.Get("/chats", s.GetChats)
	keyed.Post("/chats", s.PostChat)
	keyed.Get("/chats/:uuid", s.GetChat)
	keyed.Delete("/chats/:uuid", s.DeleteChat)
	keyed.Post("/chats/:uuid/messages", s.PostChatMessage)
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	response := Pong{
		Ping: "pong",
	}

	return c.Status(fiber.StatusOK).JSON(response)
}

// GetUserProfile returns account information for the authenticated user.
// Security is enforced via API key middleware attached in the router.
func (s *APIServer) GetUserProfile(c *fiber.Ctx) error {
	return controllers.HandleUserProfile(c)
}

// GetModels lists the model catalog with tier requirements.
func (s *APIServer) GetModels(c *fiber.Ctx) error {
	return controllers.HandleChatModels(c)
}

// GetChats lists the caller's conversations.
func (s *APIServer) GetChats(c *fiber.Ctx) error {
	return controllers.HandleChatList(c)
}

// PostChat opens a new conversation.
func (s *APIServer) PostChat(c *fiber.Ctx) error {
	return controllers.HandleChatCreate(c)
}

// GetChat returns one conversation with history.
func (s *APIServer) GetChat(c *fiber.Ctx) error {
	return controllers.HandleChatGet(c)
}

// DeleteChat removes a conversation.
func (s *APIServer) DeleteChat(c *fiber.Ctx) error {
	return controllers.HandleChatDelete(c)
}

// PostChatMessage streams an assistant reply over SSE, entitlement-gated.
func (s *APIServer) PostChatMessage(c *fiber.Ctx) error {
	return controllers.HandleChatSend(c)
}
