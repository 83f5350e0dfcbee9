package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/sitechat/backend/internal/onboarding"
	"github.com/sitechat/backend/pkg/logger"
)

type AnalyticsHandler struct {
	analytics *onboarding.Analytics
}

func NewAnalyticsHandler(analytics *onboarding.Analytics) *AnalyticsHandler {
	return &AnalyticsHandler{
		analytics: analytics,
	}
}

func (h *AnalyticsHandler) GetDropoffs(c *fiber.Ctx) error {
	staleDays, _ := strconv.Atoi(c.Query("stale_days", "3"))

	dropoffs, err := h.analytics.DetectDropoffs(staleDays)
	if err != nil {
		logger.Error("Failed to detect dropoffs", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to detect dropoffs",
		})
	}
	return c.JSON(fiber.Map{"dropoffs": dropoffs})
}

func (h *AnalyticsHandler) GetActivationReport(c *fiber.Ctx) error {
	report, err := h.analytics.GetActivationReport(c.Params("id"))
	if err != nil {
		logger.Error("Failed to build activation report", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to build activation report",
		})
	}
	return c.JSON(report)
}

func (h *AnalyticsHandler) GetAggregateMetrics(c *fiber.Ctx) error {
	agg, err := h.analytics.GetAggregateMetrics()
	if err != nil {
		logger.Error("Failed to compute funnel metrics", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to compute funnel metrics",
		})
	}
	return c.JSON(agg)
}
