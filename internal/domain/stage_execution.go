package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type StageStatus string

const (
	StageStatusPending    StageStatus = "pending"
	StageStatusInProgress StageStatus = "in_progress"
	StageStatusCompleted  StageStatus = "completed"
	StageStatusFailed     StageStatus = "failed"
	StageStatusSkipped    StageStatus = "skipped"
)

// StageExecution is one attempt of one pipeline stage for one request.
// A (request, stage) pair accumulates one row per retry; at most one row is
// in_progress at a time.
type StageExecution struct {
	ID           uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	RequestID    uuid.UUID      `gorm:"type:uuid;not null;index:idx_stage_execution_request" json:"request_id"`
	StageName    string         `gorm:"column:stage_name;not null;index" json:"stage_name"`
	Status       StageStatus    `gorm:"column:status;not null;index" json:"status"`
	Attempt      int            `gorm:"column:attempt;not null;default:1" json:"attempt"`
	IsRetryable  bool           `gorm:"column:is_retryable;not null;default:false" json:"is_retryable"`
	Output       datatypes.JSON `gorm:"column:output;type:jsonb" json:"output,omitempty"`
	ErrorMessage string         `gorm:"column:error_message" json:"error_message,omitempty"`
	ErrorDetails datatypes.JSON `gorm:"column:error_details;type:jsonb" json:"error_details,omitempty"`
	StartedAt    *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	EndedAt      *time.Time     `gorm:"column:ended_at" json:"ended_at,omitempty"`
	DurationMS   int64          `gorm:"column:duration_ms;not null;default:0" json:"duration_ms"`
	CreatedAt    time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (StageExecution) TableName() string { return "stage_execution" }
