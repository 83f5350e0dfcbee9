package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sitechat/backend/internal/discovery"
	"github.com/sitechat/backend/internal/onboarding"
	"github.com/sitechat/backend/internal/storage/models"
	"github.com/sitechat/backend/internal/storage/sqlite"
	"github.com/sitechat/backend/pkg/logger"
)

type ConnectionHandler struct {
	db           *sqlite.Client
	machine      *onboarding.StateMachine
	discoveryJob *discovery.Job
}

func NewConnectionHandler(db *sqlite.Client, machine *onboarding.StateMachine, discoveryJob *discovery.Job) *ConnectionHandler {
	return &ConnectionHandler{
		db:           db,
		machine:      machine,
		discoveryJob: discoveryJob,
	}
}

func (h *ConnectionHandler) CreateConnection(c *fiber.Ctx) error {
	var req struct {
		WebsiteURL  string `json:"website_url"`
		WebsiteName string `json:"website_name"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	now := time.Now()
	conn := &models.Connection{
		ID:             uuid.New().String(),
		WebsiteURL:     req.WebsiteURL,
		WebsiteName:    req.WebsiteName,
		Status:         models.StatusDraft,
		OnboardingStep: onboarding.StepFor(models.StatusDraft),
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}

	if err := h.db.InsertConnection(conn); err != nil {
		logger.Error("Failed to create connection", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create connection",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(connectionView(conn))
}

func (h *ConnectionHandler) GetConnection(c *fiber.Ctx) error {
	conn, err := h.db.GetConnection(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Connection not found",
		})
	}
	return c.JSON(connectionView(conn))
}

func (h *ConnectionHandler) ListConnections(c *fiber.Ctx) error {
	conns, err := h.db.ListConnections()
	if err != nil {
		logger.Error("Failed to list connections", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list connections",
		})
	}

	views := make([]fiber.Map, 0, len(conns))
	for _, conn := range conns {
		views = append(views, connectionView(conn))
	}
	return c.JSON(fiber.Map{"connections": views})
}

// Transition advances (or rolls back) the connection's onboarding status.
// The expected_version field makes concurrent admin tabs safe: the stale tab
// gets a 409 instead of silently clobbering the winner.
func (h *ConnectionHandler) Transition(c *fiber.Ctx) error {
	var req struct {
		Target          string                 `json:"target"`
		ExpectedVersion int64                  `json:"expected_version"`
		Meta            map[string]interface{} `json:"meta"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.Target == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "target is required",
		})
	}

	conn, err := h.db.GetConnection(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Connection not found",
		})
	}

	result := h.machine.Transition(conn, models.ConnectionStatus(req.Target), onboarding.TransitionOptions{
		ExpectedVersion: req.ExpectedVersion,
		Meta:            req.Meta,
	})
	if !result.Success {
		return c.Status(statusForCode(result.Code)).JSON(fiber.Map{
			"code":   result.Code,
			"reason": result.Reason,
		})
	}

	// Kick off discovery in the background once the tenant enters the
	// crawling phase.
	if conn.Status == models.StatusDiscovering && h.discoveryJob != nil {
		go func(conn models.Connection) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if err := h.discoveryJob.Run(ctx, &conn); err != nil {
				logger.Error("Discovery job failed", zap.String("connection_id", conn.ID), zap.Error(err))
			}
		}(*conn)
	}

	return c.JSON(connectionView(conn))
}

func (h *ConnectionHandler) UpdateConfig(c *fiber.Ctx) error {
	conn, err := h.db.GetConnection(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Connection not found",
		})
	}

	if conn.Status == models.StatusLaunched {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"code":   onboarding.CodeAlreadyLaunched,
			"reason": "Launched connections are immutable",
		})
	}

	var req struct {
		BehaviorProfile   *models.BehaviorProfile   `json:"behavior_profile"`
		BehaviorOverrides []models.BehaviorOverride `json:"behavior_overrides"`
		Policies          []string                  `json:"policies"`
		SystemPrompt      *string                   `json:"system_prompt"`
		WidgetConfig      *models.WidgetConfig      `json:"widget_config"`
		HealthScore       *int                      `json:"health_score"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.BehaviorProfile != nil {
		conn.BehaviorProfile = *req.BehaviorProfile
	}
	if req.BehaviorOverrides != nil {
		conn.BehaviorOverrides = req.BehaviorOverrides
	}
	if req.Policies != nil {
		conn.Policies = req.Policies
	}
	if req.SystemPrompt != nil {
		conn.SystemPrompt = *req.SystemPrompt
	}
	if req.WidgetConfig != nil {
		conn.WidgetConfig = *req.WidgetConfig
	}
	if req.HealthScore != nil {
		conn.HealthScore = *req.HealthScore
	}

	if err := h.db.UpdateConnectionConfig(conn); err != nil {
		logger.Error("Failed to update connection config", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update configuration",
		})
	}

	return c.JSON(connectionView(conn))
}

func (h *ConnectionHandler) GetHealthScore(c *fiber.Ctx) error {
	conn, err := h.db.GetConnection(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Connection not found",
		})
	}

	ready, err := h.db.CountChunksByStatus(conn.ID, models.ChunkReady)
	if err != nil {
		logger.Error("Failed to count chunks", zap.Error(err))
		ready = 0
	}

	return c.JSON(fiber.Map{
		"connection_id": conn.ID,
		"health_score":  conn.HealthScore,
		"ready_chunks":  ready,
		"status":        conn.Status,
	})
}

func (h *ConnectionHandler) ReleaseLock(c *fiber.Ctx) error {
	var req struct {
		JobName string `json:"job_name"`
	}
	if err := c.BodyParser(&req); err != nil || req.JobName == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "job_name is required",
		})
	}

	conn, err := h.db.GetConnection(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Connection not found",
		})
	}

	if err := h.machine.ReleaseLock(conn, req.JobName); err != nil {
		logger.Error("Failed to release lock", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to release lock",
		})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func statusForCode(code onboarding.ErrorCode) int {
	switch code {
	case onboarding.CodeVersionConflict, onboarding.CodeAlreadyLaunched:
		return fiber.StatusConflict
	case onboarding.CodeLockHeld:
		return fiber.StatusLocked
	default:
		return fiber.StatusUnprocessableEntity
	}
}

func connectionView(conn *models.Connection) fiber.Map {
	return fiber.Map{
		"id":                      conn.ID,
		"website_url":             conn.WebsiteURL,
		"website_name":            conn.WebsiteName,
		"status":                  conn.Status,
		"onboarding_step":         conn.OnboardingStep,
		"onboarding_path":         onboarding.PathFor(conn.Status),
		"version":                 conn.Version,
		"behavior_profile":        conn.BehaviorProfile,
		"behavior_overrides":      conn.BehaviorOverrides,
		"policies":                conn.Policies,
		"widget_config":           conn.WidgetConfig,
		"health_score":            conn.HealthScore,
		"onboarding_completed_at": conn.OnboardingCompletedAt,
		"created_at":              conn.CreatedAt,
		"updated_at":              conn.UpdatedAt,
	}
}
