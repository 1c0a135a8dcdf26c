package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type EventSeverity string

const (
	SeverityInfo    EventSeverity = "info"
	SeverityWarning EventSeverity = "warning"
	SeverityError   EventSeverity = "error"
)

const (
	EventStageStarted       = "stage_started"
	EventStageCompleted     = "stage_completed"
	EventStageSkipped       = "stage_skipped"
	EventStageFailed        = "stage_failed"
	EventRetryAttempted     = "retry_attempted"
	EventCircuitBreakerOpen = "circuit_breaker_open"
	EventStatusChanged      = "status_changed"
)

// RequestEvent is the append-only audit trail for a request. Rows are never
// updated or deleted.
type RequestEvent struct {
	ID        uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	RequestID uuid.UUID      `gorm:"type:uuid;not null;index:idx_request_event_request" json:"request_id"`
	EventType string         `gorm:"column:event_type;not null;index" json:"event_type"`
	StageName string         `gorm:"column:stage_name;index" json:"stage_name,omitempty"`
	Severity  EventSeverity  `gorm:"column:severity;not null;default:'info'" json:"severity"`
	Message   string         `gorm:"column:message;type:text" json:"message"`
	Payload   datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload,omitempty"`
	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (RequestEvent) TableName() string { return "request_event" }
