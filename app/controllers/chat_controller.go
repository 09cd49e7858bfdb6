package controllers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	"github.com/nebulachat/NebulaChat/app/models"
	"github.com/nebulachat/NebulaChat/app/repository"
	"github.com/nebulachat/NebulaChat/internal/pkg/entitlements"
	"github.com/nebulachat/NebulaChat/internal/pkg/inference"
	"github.com/nebulachat/NebulaChat/internal/pkg/quota"
	"github.com/nebulachat/NebulaChat/internal/pkg/usercontext"
)

const chatTitleMaxLen = 80

type createChatRequest struct {
	ModelKey string `json:"model_key"`
	Title    string `json:"title"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

// HandleChatList returns the caller's chats, newest first.
func HandleChatList(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	if userID == 0 {
		return jsonError(c, fiber.StatusUnauthorized, "unauthenticated")
	}

	offset := c.QueryInt("offset", 0)
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 100 {
		limit = 50
	}

	repo := repository.GetGlobalFactory().GetChatRepository()
	chats, err := repo.GetByUserID(userID, offset, limit)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "chat_list_failed")
	}

	return c.JSON(fiber.Map{"chats": chats})
}

// HandleChatCreate opens a new conversation. The model must exist in the
// catalog; tier enforcement happens at send time against the fresh user row.
func HandleChatCreate(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	if userID == 0 {
		return jsonError(c, fiber.StatusUnauthorized, "unauthenticated")
	}

	var req createChatRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_payload")
	}

	modelKey := strings.TrimSpace(req.ModelKey)
	if modelKey == "" {
		modelKey = "nebula-mini"
	}

	catalog := repository.GetGlobalFactory().GetChatModelRepository()
	model, err := catalog.GetByKey(modelKey)
	if err != nil || !model.IsActive {
		return jsonError(c, fiber.StatusBadRequest, "unknown_model")
	}

	chat := &models.Chat{
		UserID:   userID,
		ModelKey: model.ModelKey,
		Title:    strings.TrimSpace(req.Title),
	}
	if err := repository.GetGlobalFactory().GetChatRepository().Create(chat); err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "chat_create_failed")
	}

	return c.Status(fiber.StatusCreated).JSON(chat)
}

// HandleChatGet returns one chat with its full message history.
func HandleChatGet(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	if userID == 0 {
		return jsonError(c, fiber.StatusUnauthorized, "unauthenticated")
	}

	chat, err := loadOwnedChat(c.Params("uuid"), userID, true)
	if err != nil {
		return chatLookupError(c, err)
	}

	return c.JSON(chat)
}

// HandleChatDelete removes a chat and its messages.
func HandleChatDelete(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	if userID == 0 {
		return jsonError(c, fiber.StatusUnauthorized, "unauthenticated")
	}

	chat, err := loadOwnedChat(c.Params("uuid"), userID, false)
	if err != nil {
		return chatLookupError(c, err)
	}

	if err := repository.GetGlobalFactory().GetChatRepository().Delete(chat.ID); err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "chat_delete_failed")
	}

	return c.JSON(fiber.Map{"success": true})
}

// HandleChatModels lists the models currently offered, with their tier.
func HandleChatModels(c *fiber.Ctx) error {
	catalog := repository.GetGlobalFactory().GetChatModelRepository()
	list, err := catalog.GetActive()
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "models_failed")
	}
	return c.JSON(fiber.Map{"models": list})
}

// HandleChatSend streams an assistant reply over SSE. The entitlement gate
// runs against a fresh user row before anything is sent; the quota charge
// lands after the first streamed chunk, so an upstream that dies before
// producing output costs the user nothing. A client that disconnects
// mid-stream keeps the charge.
func HandleChatSend(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	if userID == 0 {
		return jsonError(c, fiber.StatusUnauthorized, "unauthenticated")
	}

	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_payload")
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return jsonError(c, fiber.StatusBadRequest, "empty_message")
	}

	chat, err := loadOwnedChat(c.Params("uuid"), userID, true)
	if err != nil {
		return chatLookupError(c, err)
	}

	factory := repository.GetGlobalFactory()
	model, err := factory.GetChatModelRepository().GetByKey(chat.ModelKey)
	if err != nil || !model.IsActive {
		return jsonError(c, fiber.StatusBadRequest, "unknown_model")
	}

	// Entitlement decisions are made on the stored row, never on session
	// state.
	user, err := factory.GetUserRepository().GetByID(userID)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "send_failed")
	}

	ledger := quota.NewLedger()
	gateCtx, gateCancel := context.WithTimeout(context.Background(), 5*time.Second)
	used, _, err := ledger.Peek(gateCtx, user.ID)
	gateCancel()
	if err != nil {
		log.Errorf("[Chat] Quota peek failed for user %d: %v", user.ID, err)
		return jsonError(c, fiber.StatusInternalServerError, "send_failed")
	}

	now := time.Now()
	_, gateErr := entitlements.Evaluate(entitlements.Snapshot{
		Plan:          user.Plan,
		PlanExpiresAt: user.PlanExpiresAt,
		MessagesUsed:  used,
		ModelKey:      model.ModelKey,
		ModelPlan:     model.RequiredPlan,
	}, now)
	switch {
	case errors.Is(gateErr, entitlements.ErrDailyLimitExceeded):
		return jsonError(c, fiber.StatusTooManyRequests, "daily_limit_exceeded")
	case errors.Is(gateErr, entitlements.ErrModelRequiresPremium):
		return jsonError(c, fiber.StatusForbidden, "model_requires_premium")
	case gateErr != nil:
		return jsonError(c, fiber.StatusInternalServerError, "send_failed")
	}

	chatRepo := factory.GetChatRepository()
	userMsg := &models.ChatMessage{
		ChatID:  chat.ID,
		Role:    models.ChatRoleUser,
		Content: content,
	}
	if err := chatRepo.AppendMessage(userMsg); err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "send_failed")
	}
	if chat.Title == "" {
		chat.Title = truncateTitle(content)
		_ = chatRepo.Update(chat)
	}

	history := make([]inference.Message, 0, len(chat.Messages)+1)
	for _, m := range chat.Messages {
		history = append(history, inference.Message{Role: m.Role, Content: m.Content})
	}
	history = append(history, inference.Message{Role: models.ChatRoleUser, Content: content})

	client := inference.NewClientFromEnv()
	chatID := chat.ID

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	// The request context ends when the client connection closes, so a
	// silent upstream cannot pin the stream past a disconnect.
	reqCtx := c.Context()
	reqCtx.SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		streamCtx, cancel := context.WithCancel(reqCtx)
		defer cancel()

		charged := false
		full, streamErr := client.StreamCompletion(streamCtx, model.ModelKey, history, func(delta string) error {
			if !charged {
				charged = true
				chargeCtx, chargeCancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer chargeCancel()
				if _, _, err := ledger.Consume(chargeCtx, user.ID); err != nil {
					// The reply is already in flight; log and keep streaming.
					log.Errorf("[Chat] Quota charge failed for user %d: %v", user.ID, err)
				}
			}
			if err := writeSSE(w, "delta", fiber.Map{"content": delta}); err != nil {
				// Client went away. Stop the upstream read too; partial
				// output stands, the charge stays.
				cancel()
				return err
			}
			return nil
		})

		if full != "" {
			assistantMsg := &models.ChatMessage{
				ChatID:  chatID,
				Role:    models.ChatRoleAssistant,
				Content: full,
			}
			if err := chatRepo.AppendMessage(assistantMsg); err != nil {
				log.Errorf("[Chat] Persisting assistant reply failed for chat %d: %v", chatID, err)
			}
		}

		if streamErr != nil {
			log.Errorf("[Chat] Stream ended with error for chat %d: %v", chatID, streamErr)
			if errors.Is(streamErr, inference.ErrUpstreamUnavailable) {
				_ = writeSSE(w, "error", fiber.Map{"error": "upstream_unavailable"})
			}
			return
		}

		_ = writeSSE(w, "done", fiber.Map{"content": full})
	}))

	return nil
}

func loadOwnedChat(uuid string, userID uint, withMessages bool) (*models.Chat, error) {
	uuid = strings.TrimSpace(uuid)
	if uuid == "" {
		return nil, gorm.ErrRecordNotFound
	}
	repo := repository.GetGlobalFactory().GetChatRepository()
	var (
		chat *models.Chat
		err  error
	)
	if withMessages {
		chat, err = repo.GetByUUIDWithMessages(uuid)
	} else {
		chat, err = repo.GetByUUID(uuid)
	}
	if err != nil {
		return nil, err
	}
	if chat.UserID != userID {
		// Hide other users' chats instead of confirming their existence.
		return nil, gorm.ErrRecordNotFound
	}
	return chat, nil
}

func chatLookupError(c *fiber.Ctx, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return jsonError(c, fiber.StatusNotFound, "chat_not_found")
	}
	return jsonError(c, fiber.StatusInternalServerError, "chat_lookup_failed")
}

func writeSSE(w *bufio.Writer, event string, payload fiber.Map) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return w.Flush()
}

func truncateTitle(s string) string {
	runes := []rune(s)
	if len(runes) <= chatTitleMaxLen {
		return s
	}
	return string(runes[:chatTitleMaxLen-1]) + "…"
}
