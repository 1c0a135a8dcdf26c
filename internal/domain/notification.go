package domain

import (
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	NotificationGenerationStarted       NotificationType = "content_generation.started"
	NotificationGenerationProgress      NotificationType = "content_generation.progress"
	NotificationGenerationCompleted     NotificationType = "content_generation.completed"
	NotificationGenerationFailed        NotificationType = "content_generation.failed"
	NotificationClarificationNeeded     NotificationType = "content_generation.clarification_needed"
	NotificationConnectionEstablished   NotificationType = "connection.established"
	NotificationBacklogOverflow         NotificationType = "connection.backlog_overflow"
	NotificationServerClosing           NotificationType = "connection.server_closing"
)

// NotificationEvent is the transient message fanned out to a user's live
// subscriber connections. It is not persisted beyond the broker's bounded
// per-user replay backlog.
type NotificationEvent struct {
	UserID           uuid.UUID        `json:"user_id"`
	Type             NotificationType `json:"type"`
	Title            string           `json:"title,omitempty"`
	Message          string           `json:"message,omitempty"`
	ContentRequestID *uuid.UUID       `json:"content_request_id,omitempty"`
	Stage            string           `json:"stage,omitempty"`
	Progress         *int             `json:"progress,omitempty"`
	Data             map[string]any   `json:"data,omitempty"`
	Timestamp        time.Time        `json:"timestamp"`
}
