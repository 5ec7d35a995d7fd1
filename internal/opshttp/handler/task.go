package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bridgeflow/transfer-engine/internal/linkgroup"
	"github.com/bridgeflow/transfer-engine/internal/progressbus"
	"github.com/gin-gonic/gin"
)

// GroupExecutor is the subset of *linkgroup.Coordinator this handler calls,
// narrowed to an interface so handler tests can substitute a fake.
type GroupExecutor interface {
	ExecuteGroup(ctx context.Context, triggerTaskID string) (*linkgroup.GroupResult, error)
}

// TaskHandler exposes the manual per-task trigger and its SSE progress
// stream, per spec §6's operational surface.
type TaskHandler struct {
	coordinator GroupExecutor
	bus         *progressbus.Bus
	logger      *slog.Logger
}

func NewTaskHandler(coordinator *linkgroup.Coordinator, bus *progressbus.Bus, logger *slog.Logger) *TaskHandler {
	return NewTaskHandlerForTest(coordinator, bus, logger)
}

// NewTaskHandlerForTest builds a TaskHandler against the narrowed
// GroupExecutor interface, letting tests substitute a fake coordinator.
func NewTaskHandlerForTest(coordinator GroupExecutor, bus *progressbus.Bus, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{coordinator: coordinator, bus: bus, logger: logger.With("component", "task_handler")}
}

// Trigger runs taskID's group to completion and reports the aggregated
// result. A linked task triggers its whole group, per spec §4.7.
func (h *TaskHandler) Trigger(c *gin.Context) {
	taskID := c.Param("id")

	result, err := h.coordinator.ExecuteGroup(c.Request.Context(), taskID)
	if err != nil {
		h.logger.Error("manual trigger failed", "task_id", taskID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "trigger failed"})
		return
	}

	status := http.StatusOK
	if !result.OverallSuccess {
		status = http.StatusConflict
	}
	c.JSON(status, result)
}

// Progress streams taskID's progress events as Server-Sent Events until the
// client disconnects or a terminal event (100 or -1) is delivered.
func (h *TaskHandler) Progress(c *gin.Context) {
	taskID := c.Param("id")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	obs := h.bus.Subscribe(taskID)
	defer h.bus.Unsubscribe(obs)

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-obs.Events:
			if !ok {
				return
			}
			fmt.Fprintf(c.Writer, "data: {\"progress\":%d,\"message\":%q}\n\n", ev.Progress, ev.Message)
			c.Writer.Flush()
			if ev.Progress == 100 || ev.Progress == -1 {
				return
			}
		}
	}
}
