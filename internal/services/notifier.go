package services

import (
	"context"
	"fmt"
	"time"

	types "github.com/classreel/classreel-backend/internal/domain"
	"github.com/classreel/classreel-backend/internal/pipeline"
	"github.com/classreel/classreel-backend/internal/pkg/logger"
	"github.com/classreel/classreel-backend/internal/realtime/bus"
)

const publishTimeout = 2 * time.Second

// RequestNotifier translates pipeline lifecycle callbacks into notification
// events on the bus. Delivery is best effort: publish failures are logged
// and dropped, never surfaced to the pipeline.
type RequestNotifier struct {
	log *logger.Logger
	bus bus.Bus
}

var _ pipeline.Notifier = (*RequestNotifier)(nil)

func NewRequestNotifier(baseLog *logger.Logger, b bus.Bus) *RequestNotifier {
	return &RequestNotifier{
		log: baseLog.With("service", "RequestNotifier"),
		bus: b,
	}
}

func (n *RequestNotifier) Started(req *types.ContentRequest) {
	n.publish(types.NotificationEvent{
		UserID:           req.UserID,
		Type:             types.NotificationGenerationStarted,
		Title:            "Content generation started",
		Message:          fmt.Sprintf("Generation started for %q", req.Topic),
		ContentRequestID: &req.ID,
	})
}

func (n *RequestNotifier) Progress(req *types.ContentRequest, stage string, progress int, message string) {
	p := progress
	n.publish(types.NotificationEvent{
		UserID:           req.UserID,
		Type:             types.NotificationGenerationProgress,
		Message:          message,
		ContentRequestID: &req.ID,
		Stage:            stage,
		Progress:         &p,
	})
}

func (n *RequestNotifier) Completed(req *types.ContentRequest, outputs map[string]any) {
	p := 100
	n.publish(types.NotificationEvent{
		UserID:           req.UserID,
		Type:             types.NotificationGenerationCompleted,
		Title:            "Content ready",
		Message:          fmt.Sprintf("Generation completed for %q", req.Topic),
		ContentRequestID: &req.ID,
		Progress:         &p,
		Data:             outputs,
	})
}

func (n *RequestNotifier) Failed(req *types.ContentRequest, stage, errorMessage string) {
	n.publish(types.NotificationEvent{
		UserID:           req.UserID,
		Type:             types.NotificationGenerationFailed,
		Title:            "Content generation failed",
		Message:          errorMessage,
		ContentRequestID: &req.ID,
		Stage:            stage,
	})
}

func (n *RequestNotifier) ClarificationNeeded(req *types.ContentRequest, questions []string) {
	n.publish(types.NotificationEvent{
		UserID:           req.UserID,
		Type:             types.NotificationClarificationNeeded,
		Title:            "More detail needed",
		Message:          "Your request needs clarification before generation can continue",
		ContentRequestID: &req.ID,
		Data:             map[string]any{"questions": questions},
	})
}

func (n *RequestNotifier) publish(ev types.NotificationEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := n.bus.Publish(ctx, ev); err != nil {
		n.log.Warn("Failed to publish notification",
			"type", ev.Type, "user_id", ev.UserID, "error", err)
	}
}
