package api

import (
	"context"

	"upscaler/config"
	"upscaler/report"
	"upscaler/task"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
)

// SetupRouter wires the HTTP surface. Runs started through it live as long
// as ctx, not as long as the request.
func SetupRouter(ctx context.Context, seq *task.Sequencer, hub *report.Hub, settings task.SettingsSource, cfg *config.Config, logger hclog.Logger) *gin.Engine {
	r := gin.Default()
	h := NewHandler(ctx, seq, hub, settings, logger)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "running": seq.Running()})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		// Queue and run control
		v1.POST("/queue", h.handleEnqueue)
		v1.GET("/queue", h.handleGetQueue)
		v1.POST("/run", h.handleRun)
		v1.POST("/cancel", h.handleCancel)

		// Observer surface
		v1.GET("/log", h.handleGetLog)
		v1.GET("/events", h.handleEvents)
		v1.GET("/alerts", h.handleListAlerts)
		v1.POST("/alerts/:alertId/ack", h.handleAckAlert)

		v1.GET("/settings", h.handleGetSettings)

		// Finished outputs of the current queue.
		v1.GET("/files/:filename", h.handleGetFile)
	}
	return r
}
