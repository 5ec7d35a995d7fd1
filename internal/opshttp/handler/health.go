// Package handler implements the opshttp request handlers: health,
// manual trigger, and progress streaming.
package handler

import (
	"net/http"

	"github.com/bridgeflow/transfer-engine/internal/health"
	"github.com/gin-gonic/gin"
)

// HealthHandler exposes the Checker's Liveness/Readiness views.
type HealthHandler struct {
	checker *health.Checker
}

func NewHealthHandler(checker *health.Checker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

func (h *HealthHandler) Liveness(c *gin.Context) {
	result := h.checker.Liveness(c.Request.Context())
	c.JSON(http.StatusOK, result)
}

func (h *HealthHandler) Readiness(c *gin.Context) {
	result := h.checker.Readiness(c.Request.Context())
	status := http.StatusOK
	if result.Status != "up" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, result)
}
