package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type RequestStatus string

const (
	StatusPending             RequestStatus = "pending"
	StatusValidating          RequestStatus = "validating"
	StatusRetrieving          RequestStatus = "retrieving"
	StatusGeneratingScript    RequestStatus = "generating_script"
	StatusGeneratingAudio     RequestStatus = "generating_audio"
	StatusGeneratingVideo     RequestStatus = "generating_video"
	StatusProcessingOutput    RequestStatus = "processing_output"
	StatusCompleted           RequestStatus = "completed"
	StatusFailed              RequestStatus = "failed"
	StatusClarificationNeeded RequestStatus = "clarification_needed"
)

// Terminal reports whether no further stage transitions are permitted.
// clarification_needed is terminal for pipeline purposes: a fresh submission
// is required once the user answers.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusClarificationNeeded
}

const (
	ModalityText  = "text"
	ModalityVideo = "video"
)

// ContentRequest tracks one content-generation job from submission to a
// terminal state. Rows are mutated exclusively through the RequestTracker.
type ContentRequest struct {
	ID             uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	CorrelationID  string         `gorm:"column:correlation_id;not null;uniqueIndex" json:"correlation_id"`
	UserID         uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	OrganizationID *uuid.UUID     `gorm:"type:uuid;column:organization_id;index" json:"organization_id,omitempty"`
	Topic          string         `gorm:"column:topic" json:"topic,omitempty"`
	Query          string         `gorm:"column:query;type:text" json:"query,omitempty"`
	Modalities     datatypes.JSON `gorm:"column:modalities;type:jsonb" json:"modalities"`
	GradeLevel     string         `gorm:"column:grade_level" json:"grade_level,omitempty"`

	Status       RequestStatus `gorm:"column:status;not null;index" json:"status"`
	CurrentStage string        `gorm:"column:current_stage;index" json:"current_stage,omitempty"`
	Progress     int           `gorm:"column:progress;not null;default:0" json:"progress"`

	ErrorMessage string         `gorm:"column:error_message" json:"error_message,omitempty"`
	ErrorStage   string         `gorm:"column:error_stage" json:"error_stage,omitempty"`
	ErrorDetails datatypes.JSON `gorm:"column:error_details;type:jsonb" json:"error_details,omitempty"`

	// Opaque URIs/handles for generated artifacts, never artifact bytes.
	Outputs datatypes.JSON `gorm:"column:outputs;type:jsonb" json:"outputs,omitempty"`

	LockedAt    *time.Time `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt *time.Time `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	FailedAt    *time.Time `gorm:"column:failed_at" json:"failed_at,omitempty"`
	CreatedAt   time.Time  `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"not null;default:now();index" json:"updated_at"`
}

func (ContentRequest) TableName() string { return "content_request" }

// ModalityList decodes the stored modalities column. A request with no
// modalities recorded defaults to text-only.
func (r *ContentRequest) ModalityList() []string {
	if len(r.Modalities) == 0 {
		return []string{ModalityText}
	}
	var out []string
	if err := json.Unmarshal(r.Modalities, &out); err != nil || len(out) == 0 {
		return []string{ModalityText}
	}
	return out
}

func (r *ContentRequest) HasModality(m string) bool {
	for _, v := range r.ModalityList() {
		if v == m {
			return true
		}
	}
	return false
}
