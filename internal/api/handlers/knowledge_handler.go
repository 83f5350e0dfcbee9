package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/sitechat/backend/internal/cache/redis"
	"github.com/sitechat/backend/internal/storage/models"
	"github.com/sitechat/backend/internal/storage/sqlite"
	"github.com/sitechat/backend/pkg/logger"
)

// Feedback nudges applied to a chunk's confidence score. Negative feedback
// weighs three times as heavy as positive so a few complaints outvote a
// stream of silent approvals.
const (
	feedbackHelpfulDelta   = 0.05
	feedbackUnhelpfulDelta = -0.15
)

type KnowledgeHandler struct {
	db    *sqlite.Client
	cache *redis.Client
}

func NewKnowledgeHandler(db *sqlite.Client, cache *redis.Client) *KnowledgeHandler {
	return &KnowledgeHandler{
		db:    db,
		cache: cache,
	}
}

func (h *KnowledgeHandler) ListChunks(c *fiber.Ctx) error {
	connectionID := c.Params("id")
	status := models.ChunkStatus(c.Query("status", string(models.ChunkReady)))

	chunks, err := h.db.FindChunksByStatus(connectionID, status)
	if err != nil {
		logger.Error("Failed to list chunks", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list chunks",
		})
	}

	views := make([]fiber.Map, 0, len(chunks))
	for _, chunk := range chunks {
		views = append(views, fiber.Map{
			"id":               chunk.ID,
			"source_url":       chunk.SourceURL,
			"title":            chunk.Title,
			"text":             chunk.Text,
			"status":           chunk.Status,
			"visibility":       chunk.Visibility,
			"confidence_score": chunk.ConfidenceScore,
		})
	}
	return c.JSON(fiber.Map{"chunks": views})
}

// ApproveChunk promotes a shadow chunk to ACTIVE, making it quotable by the
// assistant. Cached answers for the tenant are invalidated because the
// knowledge base just changed.
func (h *KnowledgeHandler) ApproveChunk(c *fiber.Ctx) error {
	connectionID := c.Params("id")
	chunkID := c.Params("chunkId")

	if err := h.db.ApproveChunk(chunkID); err != nil {
		logger.Error("Failed to approve chunk", zap.String("chunk_id", chunkID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to approve chunk",
		})
	}

	if h.cache != nil {
		if err := h.cache.InvalidateConnection(c.Context(), connectionID); err != nil {
			logger.Warn("Failed to invalidate answer cache", zap.Error(err))
		}
	}

	return c.JSON(fiber.Map{"chunk_id": chunkID, "visibility": models.VisibilityActive})
}

func (h *KnowledgeHandler) SubmitFeedback(c *fiber.Ctx) error {
	var req struct {
		ChunkID   string `json:"chunk_id"`
		MessageID string `json:"message_id"`
		Helpful   *bool  `json:"helpful"`
		Comment   string `json:"comment"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.ChunkID == "" || req.Helpful == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "chunk_id and helpful are required",
		})
	}

	if err := h.db.InsertChunkFeedback(&models.ChunkFeedback{
		ChunkID:   req.ChunkID,
		MessageID: req.MessageID,
		Helpful:   *req.Helpful,
		Comment:   req.Comment,
	}); err != nil {
		logger.Error("Failed to record feedback", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to record feedback",
		})
	}

	delta := feedbackHelpfulDelta
	if !*req.Helpful {
		delta = feedbackUnhelpfulDelta
	}
	if err := h.db.AdjustChunkConfidence(req.ChunkID, delta); err != nil {
		logger.Warn("Failed to adjust chunk confidence", zap.String("chunk_id", req.ChunkID), zap.Error(err))
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *KnowledgeHandler) GetPolicy(c *fiber.Ctx) error {
	policy, err := h.db.FindOrDefaultPolicy(c.Params("id"))
	if err != nil {
		logger.Error("Failed to load confidence policy", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load policy",
		})
	}
	return c.JSON(policyView(policy))
}

func (h *KnowledgeHandler) UpdatePolicy(c *fiber.Ctx) error {
	var req struct {
		MinAnswerConfidence *float64 `json:"min_answer_confidence"`
		MinSourceCount      *int     `json:"min_source_count"`
		LowConfidenceAction *string  `json:"low_confidence_action"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	policy, err := h.db.FindOrDefaultPolicy(c.Params("id"))
	if err != nil {
		logger.Error("Failed to load confidence policy", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load policy",
		})
	}

	if req.MinAnswerConfidence != nil {
		if *req.MinAnswerConfidence < 0 || *req.MinAnswerConfidence > 1 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "min_answer_confidence must be between 0 and 1",
			})
		}
		policy.MinAnswerConfidence = *req.MinAnswerConfidence
	}
	if req.MinSourceCount != nil {
		if *req.MinSourceCount < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "min_source_count must not be negative",
			})
		}
		policy.MinSourceCount = *req.MinSourceCount
	}
	if req.LowConfidenceAction != nil {
		action := models.LowConfidenceAction(*req.LowConfidenceAction)
		switch action {
		case models.ActionRefuse, models.ActionClarify, models.ActionEscalate, models.ActionSoftAnswer:
			policy.LowConfidenceAction = action
		default:
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Unknown low_confidence_action",
			})
		}
	}

	if err := h.db.UpsertPolicy(policy); err != nil {
		logger.Error("Failed to save confidence policy", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to save policy",
		})
	}

	return c.JSON(policyView(policy))
}

func policyView(policy *models.ConfidencePolicy) fiber.Map {
	return fiber.Map{
		"connection_id":         policy.ConnectionID,
		"min_answer_confidence": policy.MinAnswerConfidence,
		"min_source_count":      policy.MinSourceCount,
		"low_confidence_action": policy.LowConfidenceAction,
	}
}
