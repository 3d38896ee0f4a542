package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"upscaler/report"
	"upscaler/task"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
)

type Handler struct {
	ctx      context.Context
	seq      *task.Sequencer
	hub      *report.Hub
	settings task.SettingsSource
	logger   hclog.Logger
}

func NewHandler(ctx context.Context, seq *task.Sequencer, hub *report.Hub, settings task.SettingsSource, logger hclog.Logger) *Handler {
	return &Handler{
		ctx:      ctx,
		seq:      seq,
		hub:      hub,
		settings: settings,
		logger:   logger.Named("api"),
	}
}

type QueueRequest struct {
	Paths     []string `json:"paths" binding:"required,min=1"`
	OutputDir string   `json:"outputDir" binding:"required"`
}

// handleEnqueue replaces the pending queue.
func (h *Handler) handleEnqueue(c *gin.Context) {
	var req QueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tasks, err := h.seq.EnqueueAll(req.Paths, req.OutputDir)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, task.ErrBusy) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"tasks": tasks})
}

func (h *Handler) handleGetQueue(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"running": h.seq.Running(),
		"pending": h.seq.Pending(),
		"current": h.seq.Current(),
	})
}

// handleRun starts the queue. Starting twice is not an error.
func (h *Handler) handleRun(c *gin.Context) {
	_, started, err := h.seq.Run(h.ctx)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !started {
		c.JSON(http.StatusOK, gin.H{"started": false})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"started": true})
}

func (h *Handler) handleCancel(c *gin.Context) {
	if err := h.seq.Cancel(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Cancellation requested"})
}

// handleGetLog returns the status lines from ?since= onwards.
func (h *Handler) handleGetLog(c *gin.Context) {
	since := 0
	if s := c.Query("since"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a non-negative integer"})
			return
		}
		since = n
	}
	lines, next := h.hub.Lines(since)
	c.JSON(http.StatusOK, gin.H{"lines": lines, "next": next})
}

func (h *Handler) handleEvents(c *gin.Context) {
	// The upgrader has already replied on failure.
	if err := h.hub.ServeWS(c.Writer, c.Request); err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
	}
}

func (h *Handler) handleListAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, h.hub.PendingAlerts())
}

func (h *Handler) handleAckAlert(c *gin.Context) {
	if err := h.hub.Ack(c.Param("alertId")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Alert acknowledged"})
}

// handleGetSettings reports the encode settings the next run would use.
func (h *Handler) handleGetSettings(c *gin.Context) {
	enc, err := h.settings.Load()
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, enc)
}

// handleGetFile serves a finished output from the current output directory.
func (h *Handler) handleGetFile(c *gin.Context) {
	name := filepath.Base(c.Param("filename"))
	dir := h.seq.OutputDir()
	if dir == "" || !strings.HasSuffix(name, task.OutputSuffix+"."+task.OutputContainer) {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}

	path := filepath.Join(dir, name)
	if cur := h.seq.Current(); cur != nil && cur.Task.OutputPath == path {
		c.JSON(http.StatusConflict, gin.H{"error": "File is still being written"})
		return
	}
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}
	c.File(path)
}
