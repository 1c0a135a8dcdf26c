package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	types "github.com/classreel/classreel-backend/internal/domain"
	"github.com/classreel/classreel-backend/internal/http/middleware"
	"github.com/classreel/classreel-backend/internal/http/response"
	"github.com/classreel/classreel-backend/internal/pkg/logger"
	"github.com/classreel/classreel-backend/internal/realtime"
)

type RealtimeHandler struct {
	log *logger.Logger
	hub *realtime.Hub
}

func NewRealtimeHandler(baseLog *logger.Logger, hub *realtime.Hub) *RealtimeHandler {
	return &RealtimeHandler{
		log: baseLog.With("handler", "RealtimeHandler"),
		hub: hub,
	}
}

// GET /api/notifications/stream
//
// Opens an SSE stream scoped to the authenticated user. The first frame is
// connection.established, followed by the user's replay backlog in original
// order, then live events.
func (h *RealtimeHandler) Stream(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("not authenticated"))
		return
	}

	sub, replay := h.hub.Subscribe(userID)
	defer h.hub.Unsubscribe(sub)

	established := types.NotificationEvent{
		UserID:    userID,
		Type:      types.NotificationConnectionEstablished,
		Message:   "connected",
		Timestamp: time.Now(),
		Data: map[string]any{
			"subscriber_id":        sub.ID,
			"replay_count":         len(replay),
			"heartbeat_interval_s": int(h.hub.HeartbeatInterval().Seconds()),
		},
	}
	// The outbound queue is empty at this point and the hub clamps the
	// backlog below the queue capacity, so these enqueues cannot block.
	sub.Outbound <- established
	for _, ev := range replay {
		sub.Outbound <- ev
	}

	h.log.Info("SSE stream open", "user_id", userID, "subscriber_id", sub.ID, "replay", len(replay))
	h.hub.ServeSSE(c.Writer, c.Request, sub)
	h.log.Debug("SSE stream closed", "subscriber_id", sub.ID)
}
