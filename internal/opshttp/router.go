// Package opshttp is the thin operational HTTP surface (C9's external
// face, plus manual trigger/progress): health checks, Prometheus metrics,
// and the per-task manual trigger, grounded on the teacher's router.go and
// transport/http package layout.
package opshttp

import (
	"log/slog"

	"github.com/bridgeflow/transfer-engine/internal/opshttp/handler"
	"github.com/bridgeflow/transfer-engine/internal/opshttp/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sloggin "github.com/samber/slog-gin"
)

// NewRouter wires every opshttp route behind the RequestID, request-logging
// and Metrics middleware, in that order, per the teacher's router.go.
func NewRouter(logger *slog.Logger, healthHandler *handler.HealthHandler, taskHandler *handler.TaskHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), sloggin.New(logger), middleware.Metrics())

	r.GET("/healthz", healthHandler.Liveness)
	r.GET("/readyz", healthHandler.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	tasks := r.Group("/tasks")
	tasks.POST("/:id/trigger", taskHandler.Trigger)
	tasks.GET("/:id/progress", taskHandler.Progress)

	return r
}
