package handlers

import (
	"context"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/sitechat/backend/internal/chat"
	"github.com/sitechat/backend/internal/metrics"
	"github.com/sitechat/backend/pkg/logger"
)

// WebSocketHandler is the widget transport. One socket per visitor tab; the
// session carries across messages so the connection id and session id only
// travel once.
type WebSocketHandler struct {
	engine *chat.Engine
}

func NewWebSocketHandler(engine *chat.Engine) *WebSocketHandler {
	return &WebSocketHandler{
		engine: engine,
	}
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	connectionID := c.Params("id")
	logger.Info("WebSocket connection established", zap.String("connection_id", connectionID))

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed", zap.String("connection_id", connectionID))
	}()

	sessionID := ""

	for {
		var msg struct {
			Type      string `json:"type"`
			Content   string `json:"content"`
			VisitorID string `json:"visitor_id"`
			PageURL   string `json:"page_url"`
			IsTest    bool   `json:"is_test"`
		}

		if err := c.ReadJSON(&msg); err != nil {
			logger.Debug("WebSocket read ended", zap.Error(err))
			break
		}

		if msg.Type != "message" || msg.Content == "" {
			continue
		}

		start := time.Now()
		err := h.streamResponse(c, chat.Request{
			ConnectionID: connectionID,
			SessionID:    sessionID,
			VisitorID:    msg.VisitorID,
			PageURL:      msg.PageURL,
			Message:      msg.Content,
			IsTest:       msg.IsTest,
		}, &sessionID)
		metrics.ChatTurnDuration.WithLabelValues("websocket").Observe(time.Since(start).Seconds())
		if err != nil {
			logger.Error("Failed to stream response", zap.Error(err))
			h.sendError(c, "Failed to process message")
		}
	}
}

func (h *WebSocketHandler) streamResponse(c *websocket.Conn, req chat.Request, sessionID *string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	h.sendChunk(c, "status", "Thinking...")

	response, err := h.engine.ProcessTurn(ctx, req)
	if err != nil {
		return err
	}
	*sessionID = response.SessionID

	for _, chunk := range splitIntoWords(response.Answer) {
		if err := h.sendChunk(c, "chunk", chunk); err != nil {
			return err
		}
	}

	return h.sendComplete(c, response)
}

func (h *WebSocketHandler) sendChunk(c *websocket.Conn, msgType, content string) error {
	return c.WriteJSON(map[string]interface{}{
		"type":    msgType,
		"content": content,
	})
}

func (h *WebSocketHandler) sendComplete(c *websocket.Conn, response *chat.Response) error {
	return c.WriteJSON(map[string]interface{}{
		"type":        "complete",
		"session_id":  response.SessionID,
		"sources":     response.Sources,
		"confidence":  response.Confidence,
		"gated":       response.Gated,
		"gate_reason": response.GateReason,
		"latency_ms":  response.LatencyMS,
	})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	c.WriteJSON(map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	})
}

func splitIntoWords(text string) []string {
	words := []string{}
	currentWord := ""

	for _, char := range text {
		if char == ' ' || char == '\n' {
			if currentWord != "" {
				words = append(words, currentWord+" ")
				currentWord = ""
			}
			if char == '\n' {
				words = append(words, "\n")
			}
		} else {
			currentWord += string(char)
		}
	}

	if currentWord != "" {
		words = append(words, currentWord)
	}

	return words
}
