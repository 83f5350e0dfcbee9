package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/sitechat/backend/internal/chat"
	"github.com/sitechat/backend/pkg/logger"
)

type ChatHandler struct {
	engine *chat.Engine
}

func NewChatHandler(engine *chat.Engine) *ChatHandler {
	return &ChatHandler{
		engine: engine,
	}
}

func (h *ChatHandler) HandleMessage(c *fiber.Ctx) error {
	var req struct {
		SessionID string `json:"session_id"`
		VisitorID string `json:"visitor_id"`
		PageURL   string `json:"page_url"`
		Message   string `json:"message"`
		IsTest    bool   `json:"is_test"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.Message == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "message is required",
		})
	}

	response, err := h.engine.ProcessTurn(c.Context(), chat.Request{
		ConnectionID: c.Params("id"),
		SessionID:    req.SessionID,
		VisitorID:    req.VisitorID,
		PageURL:      req.PageURL,
		Message:      req.Message,
		IsTest:       req.IsTest,
	})
	if err != nil {
		logger.Error("Failed to process chat turn", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process message",
		})
	}

	return c.JSON(response)
}

func (h *ChatHandler) GetSessionHistory(c *fiber.Ctx) error {
	sessionID := c.Params("sessionId")
	messages, err := h.engine.SessionHistory(sessionID, 50)
	if err != nil {
		logger.Error("Failed to load session history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load history",
		})
	}

	views := make([]fiber.Map, 0, len(messages))
	for _, msg := range messages {
		views = append(views, fiber.Map{
			"id":         msg.ID,
			"role":       msg.Role,
			"content":    msg.Content,
			"created_at": msg.CreatedAt,
		})
	}
	return c.JSON(fiber.Map{"session_id": sessionID, "messages": views})
}
