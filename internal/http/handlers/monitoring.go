package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/classreel/classreel-backend/internal/http/response"
	"github.com/classreel/classreel-backend/internal/services"
)

type MonitoringHandler struct {
	monitor services.MonitorService
}

func NewMonitoringHandler(monitor services.MonitorService) *MonitoringHandler {
	return &MonitoringHandler{monitor: monitor}
}

// GET /api/monitoring/requests
func (h *MonitoringHandler) ActiveRequests(c *gin.Context) {
	limit := 100
	if v, err := strconv.Atoi(c.DefaultQuery("limit", "100")); err == nil && v > 0 {
		limit = v
	}
	requests, err := h.monitor.ActiveRequests(c.Request.Context(), limit)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_active_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"requests": requests})
}

// GET /api/monitoring/stages?window=24h
func (h *MonitoringHandler) StageMetrics(c *gin.Context) {
	window := 24 * time.Hour
	if v := c.Query("window"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed <= 0 {
			response.RespondError(c, http.StatusBadRequest, "invalid_window", err)
			return
		}
		window = parsed
	}
	metrics, err := h.monitor.StageMetrics(c.Request.Context(), window)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "stage_metrics_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"window": window.String(), "stages": metrics})
}

// GET /api/monitoring/breakers
func (h *MonitoringHandler) Breakers(c *gin.Context) {
	response.RespondOK(c, gin.H{
		"breakers":    h.monitor.BreakerStates(),
		"subscribers": h.monitor.SubscriberCount(),
	})
}
