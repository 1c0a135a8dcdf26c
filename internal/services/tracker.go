package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/classreel/classreel-backend/internal/data/repos"
	types "github.com/classreel/classreel-backend/internal/domain"
	"github.com/classreel/classreel-backend/internal/pipeline"
	"github.com/classreel/classreel-backend/internal/pkg/dbctx"
	"github.com/classreel/classreel-backend/internal/pkg/logger"
)

// CreateRequestInput carries a submission into the tracker. CorrelationID is
// the caller-supplied idempotency key; when empty a fresh one is assigned.
type CreateRequestInput struct {
	UserID         uuid.UUID
	OrganizationID *uuid.UUID
	Topic          string
	Query          string
	Modalities     []string
	GradeLevel     string
	CorrelationID  string
	// Strict demands non-idempotent creation: a correlation id collision
	// returns ErrDuplicate instead of the existing request.
	Strict bool
}

// StatusSnapshot is the read-only projection served by the status query API.
type StatusSnapshot struct {
	RequestID     uuid.UUID           `json:"request_id"`
	CorrelationID string              `json:"correlation_id"`
	Status        types.RequestStatus `json:"status"`
	CurrentStage  string              `json:"current_stage,omitempty"`
	Progress      int                 `json:"progress"`
	CreatedAt     time.Time           `json:"created_at"`
	StartedAt     *time.Time          `json:"started_at,omitempty"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
	FailedAt      *time.Time          `json:"failed_at,omitempty"`
	ErrorMessage  string              `json:"error_message,omitempty"`
	ErrorStage    string              `json:"error_stage,omitempty"`
	ErrorDetails  map[string]any      `json:"error_details,omitempty"`
	RetryAllowed  bool                `json:"retry_allowed"`
	Outputs       map[string]any      `json:"outputs,omitempty"`
}

// RequestTracker owns the lifecycle of ContentRequest, StageExecution, and
// RequestEvent rows. All mutations persist synchronously before returning;
// callers may rely on read-after-write. It satisfies pipeline.Tracker.
type RequestTracker interface {
	pipeline.Tracker
	CreateRequest(ctx context.Context, in CreateRequestInput) (*types.ContentRequest, bool, error)
	GetRequestStatus(ctx context.Context, requestID uuid.UUID) (*StatusSnapshot, error)
	Heartbeat(ctx context.Context, requestID uuid.UUID) error
}

type requestTracker struct {
	db       *gorm.DB
	log      *logger.Logger
	registry *pipeline.Registry

	requestRepo repos.ContentRequestRepo
	stageRepo   repos.StageExecutionRepo
	eventRepo   repos.RequestEventRepo
}

func NewRequestTracker(
	db *gorm.DB,
	baseLog *logger.Logger,
	registry *pipeline.Registry,
	requestRepo repos.ContentRequestRepo,
	stageRepo repos.StageExecutionRepo,
	eventRepo repos.RequestEventRepo,
) RequestTracker {
	return &requestTracker{
		db:          db,
		log:         baseLog.With("service", "RequestTracker"),
		registry:    registry,
		requestRepo: requestRepo,
		stageRepo:   stageRepo,
		eventRepo:   eventRepo,
	}
}

var terminalStatusStrings = []string{
	string(types.StatusCompleted),
	string(types.StatusFailed),
	string(types.StatusClarificationNeeded),
}

func (t *requestTracker) dbc(ctx context.Context) dbctx.Context {
	return dbctx.Context{Ctx: ctx}
}

func (t *requestTracker) CreateRequest(ctx context.Context, in CreateRequestInput) (*types.ContentRequest, bool, error) {
	if in.UserID == uuid.Nil {
		return nil, false, fmt.Errorf("user id required")
	}
	correlationID := in.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	existing, err := t.requestRepo.GetByCorrelationID(t.dbc(ctx), correlationID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		// A correlation id replay only counts when it comes from the same
		// user; a cross-user collision is rejected outright.
		if in.Strict || existing.UserID != in.UserID {
			return nil, false, types.ErrDuplicate
		}
		return existing, false, nil
	}

	modalities := in.Modalities
	if len(modalities) == 0 {
		modalities = []string{types.ModalityText}
	}
	rawModalities, _ := json.Marshal(modalities)

	now := time.Now()
	req := &types.ContentRequest{
		ID:             uuid.New(),
		CorrelationID:  correlationID,
		UserID:         in.UserID,
		OrganizationID: in.OrganizationID,
		Topic:          in.Topic,
		Query:          in.Query,
		Modalities:     datatypes.JSON(rawModalities),
		GradeLevel:     in.GradeLevel,
		Status:         types.StatusPending,
		Progress:       0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := t.requestRepo.Create(t.dbc(ctx), req); err != nil {
		// A concurrent submission may have won the unique correlation_id
		// index; resolve the race idempotently.
		raced, getErr := t.requestRepo.GetByCorrelationID(t.dbc(ctx), correlationID)
		if getErr == nil && raced != nil {
			if in.Strict || raced.UserID != in.UserID {
				return nil, false, types.ErrDuplicate
			}
			return raced, false, nil
		}
		return nil, false, err
	}

	_ = t.appendEvent(ctx, req.ID, types.EventStatusChanged,
		"request created", types.SeverityInfo, "", map[string]any{
			"status":         string(types.StatusPending),
			"correlation_id": correlationID,
		})
	return req, true, nil
}

func (t *requestTracker) GetRequest(ctx context.Context, requestID uuid.UUID) (*types.ContentRequest, error) {
	return t.requestRepo.GetByID(t.dbc(ctx), requestID)
}

func (t *requestTracker) StartStage(ctx context.Context, requestID uuid.UUID, stageName string) error {
	stage, ok := t.registry.Get(stageName)
	if !ok {
		return fmt.Errorf("unknown stage %q", stageName)
	}

	req, err := t.requestRepo.GetByID(t.dbc(ctx), requestID)
	if err != nil {
		return err
	}
	if req == nil {
		return types.ErrNotFound
	}
	if req.Status.Terminal() {
		return types.ErrInvalidTransition
	}

	now := time.Now()
	err = t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: ctx, Tx: tx}

		// At most one execution per (request, stage) may be in progress.
		// A lingering active row from a dead worker is superseded here.
		if active, err := t.stageRepo.GetActive(txc, requestID, stageName); err != nil {
			return err
		} else if active != nil {
			if err := t.stageRepo.UpdateFields(txc, active.ID, map[string]interface{}{
				"status":        string(types.StageStatusFailed),
				"error_message": "superseded by a newer attempt",
				"ended_at":      now,
			}); err != nil {
				return err
			}
		}

		failed, err := t.stageRepo.CountFailedForStage(txc, requestID, stageName)
		if err != nil {
			return err
		}

		exec := &types.StageExecution{
			ID:          uuid.New(),
			RequestID:   requestID,
			StageName:   stageName,
			Status:      types.StageStatusInProgress,
			Attempt:     int(failed) + 1,
			IsRetryable: stage.Retryable,
			StartedAt:   &now,
			CreatedAt:   now,
		}
		if _, err := t.stageRepo.Create(txc, exec); err != nil {
			return err
		}

		updates := map[string]interface{}{
			"status":        string(stage.Status),
			"current_stage": stageName,
			// Progress never decreases while non-terminal, including across
			// a stale-claim rerun of earlier stages.
			"progress":     gorm.Expr("GREATEST(progress, ?)", t.registry.ProgressFor(stageName)),
			"heartbeat_at": now,
		}
		if req.StartedAt == nil {
			updates["started_at"] = now
		}
		ok, err := t.requestRepo.UpdateFieldsUnlessStatus(txc, requestID, terminalStatusStrings, updates)
		if err != nil {
			return err
		}
		if !ok {
			return types.ErrInvalidTransition
		}
		return nil
	})
	if err != nil {
		return err
	}

	_ = t.appendEvent(ctx, requestID, types.EventStageStarted,
		fmt.Sprintf("stage %q started", stageName), types.SeverityInfo, stageName, nil)
	return nil
}

func (t *requestTracker) CompleteStage(ctx context.Context, requestID uuid.UUID, stageName string, output map[string]any) error {
	req, err := t.requestRepo.GetByID(t.dbc(ctx), requestID)
	if err != nil {
		return err
	}
	if req == nil {
		return types.ErrNotFound
	}
	if req.Status.Terminal() {
		return types.ErrInvalidTransition
	}

	active, err := t.stageRepo.GetActive(t.dbc(ctx), requestID, stageName)
	if err != nil {
		return err
	}
	if active == nil {
		return fmt.Errorf("no active execution for stage %q on request %s", stageName, requestID)
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":   string(types.StageStatusCompleted),
		"ended_at": now,
	}
	if active.StartedAt != nil {
		updates["duration_ms"] = now.Sub(*active.StartedAt).Milliseconds()
	}
	if output != nil {
		raw, _ := json.Marshal(output)
		updates["output"] = datatypes.JSON(raw)
	}
	if err := t.stageRepo.UpdateFields(t.dbc(ctx), active.ID, updates); err != nil {
		return err
	}

	_ = t.appendEvent(ctx, requestID, types.EventStageCompleted,
		fmt.Sprintf("stage %q completed", stageName), types.SeverityInfo, stageName, output)
	return nil
}

func (t *requestTracker) SkipStage(ctx context.Context, requestID uuid.UUID, stageName, reason string) error {
	req, err := t.requestRepo.GetByID(t.dbc(ctx), requestID)
	if err != nil {
		return err
	}
	if req == nil {
		return types.ErrNotFound
	}
	if req.Status.Terminal() {
		return types.ErrInvalidTransition
	}

	now := time.Now()
	raw, _ := json.Marshal(map[string]any{"note": reason})
	exec := &types.StageExecution{
		ID:        uuid.New(),
		RequestID: requestID,
		StageName: stageName,
		Status:    types.StageStatusSkipped,
		Attempt:   1,
		Output:    datatypes.JSON(raw),
		StartedAt: &now,
		EndedAt:   &now,
		CreatedAt: now,
	}
	if _, err := t.stageRepo.Create(t.dbc(ctx), exec); err != nil {
		return err
	}

	_, err = t.requestRepo.UpdateFieldsUnlessStatus(t.dbc(ctx), requestID, terminalStatusStrings, map[string]interface{}{
		"progress": gorm.Expr("GREATEST(progress, ?)", t.registry.ProgressAfter(stageName)),
	})
	if err != nil {
		return err
	}

	_ = t.appendEvent(ctx, requestID, types.EventStageSkipped, reason,
		types.SeverityInfo, stageName, nil)
	return nil
}

func (t *requestTracker) FailStage(ctx context.Context, requestID uuid.UUID, stageName, errorMessage string, details map[string]any, retryable bool) error {
	req, err := t.requestRepo.GetByID(t.dbc(ctx), requestID)
	if err != nil {
		return err
	}
	if req == nil {
		return types.ErrNotFound
	}
	if req.Status.Terminal() {
		return types.ErrInvalidTransition
	}

	active, err := t.stageRepo.GetActive(t.dbc(ctx), requestID, stageName)
	if err != nil {
		return err
	}
	if active == nil {
		return fmt.Errorf("no active execution for stage %q on request %s", stageName, requestID)
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":        string(types.StageStatusFailed),
		"error_message": errorMessage,
		"is_retryable":  retryable,
		"ended_at":      now,
	}
	if active.StartedAt != nil {
		updates["duration_ms"] = now.Sub(*active.StartedAt).Milliseconds()
	}
	if details != nil {
		raw, _ := json.Marshal(details)
		updates["error_details"] = datatypes.JSON(raw)
	}
	if err := t.stageRepo.UpdateFields(t.dbc(ctx), active.ID, updates); err != nil {
		return err
	}

	_ = t.appendEvent(ctx, requestID, types.EventStageFailed, errorMessage,
		types.SeverityError, stageName, details)
	return nil
}

// RetryStage permits another attempt while the stage's failure count is
// within maxRetries. The decision to fail the whole request on denial
// belongs to the orchestrator.
func (t *requestTracker) RetryStage(ctx context.Context, requestID uuid.UUID, stageName string, maxRetries int) (bool, error) {
	failed, err := t.stageRepo.CountFailedForStage(t.dbc(ctx), requestID, stageName)
	if err != nil {
		return false, err
	}
	if failed > int64(maxRetries) {
		return false, nil
	}
	_ = t.appendEvent(ctx, requestID, types.EventRetryAttempted,
		fmt.Sprintf("retry %d/%d for stage %q", failed, maxRetries, stageName),
		types.SeverityWarning, stageName, map[string]any{
			"failed_attempts": failed,
			"max_retries":     maxRetries,
		})
	return true, nil
}

func (t *requestTracker) CompleteRequest(ctx context.Context, requestID uuid.UUID, outputs map[string]any) error {
	req, err := t.requestRepo.GetByID(t.dbc(ctx), requestID)
	if err != nil {
		return err
	}
	if req == nil {
		return types.ErrNotFound
	}
	if req.Status.Terminal() {
		// Completing twice is a no-op.
		return nil
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":        string(types.StatusCompleted),
		"progress":      100,
		"completed_at":  now,
		"locked_at":     nil,
		"error_message": "",
		"error_stage":   "",
	}
	if outputs != nil {
		raw, _ := json.Marshal(outputs)
		updates["outputs"] = datatypes.JSON(raw)
	}
	ok, err := t.requestRepo.UpdateFieldsUnlessStatus(t.dbc(ctx), requestID, terminalStatusStrings, updates)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	_ = t.appendEvent(ctx, requestID, types.EventStatusChanged, "request completed",
		types.SeverityInfo, "", map[string]any{"status": string(types.StatusCompleted)})
	return nil
}

func (t *requestTracker) FailRequest(ctx context.Context, requestID uuid.UUID, errorMessage, errorStage string, details map[string]any) error {
	req, err := t.requestRepo.GetByID(t.dbc(ctx), requestID)
	if err != nil {
		return err
	}
	if req == nil {
		return types.ErrNotFound
	}
	if req.Status.Terminal() {
		return nil
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":        string(types.StatusFailed),
		"error_message": errorMessage,
		"error_stage":   errorStage,
		"failed_at":     now,
		"locked_at":     nil,
	}
	if details != nil {
		raw, _ := json.Marshal(details)
		updates["error_details"] = datatypes.JSON(raw)
	}
	ok, err := t.requestRepo.UpdateFieldsUnlessStatus(t.dbc(ctx), requestID, terminalStatusStrings, updates)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	_ = t.appendEvent(ctx, requestID, types.EventStatusChanged, errorMessage,
		types.SeverityError, errorStage, map[string]any{
			"status":      string(types.StatusFailed),
			"error_stage": errorStage,
		})
	return nil
}

func (t *requestTracker) SetClarificationNeeded(ctx context.Context, requestID uuid.UUID, questions []string, reasoning string) error {
	req, err := t.requestRepo.GetByID(t.dbc(ctx), requestID)
	if err != nil {
		return err
	}
	if req == nil {
		return types.ErrNotFound
	}
	if req.Status.Terminal() {
		return types.ErrInvalidTransition
	}

	details := map[string]any{
		"questions": questions,
		"reasoning": reasoning,
	}
	raw, _ := json.Marshal(details)
	ok, err := t.requestRepo.UpdateFieldsUnlessStatus(t.dbc(ctx), requestID, terminalStatusStrings, map[string]interface{}{
		"status":        string(types.StatusClarificationNeeded),
		"error_details": datatypes.JSON(raw),
		"locked_at":     nil,
	})
	if err != nil {
		return err
	}
	if !ok {
		return types.ErrInvalidTransition
	}

	_ = t.appendEvent(ctx, requestID, types.EventStatusChanged, "clarification needed",
		types.SeverityWarning, "", details)
	return nil
}

func (t *requestTracker) GetRequestStatus(ctx context.Context, requestID uuid.UUID) (*StatusSnapshot, error) {
	req, err := t.requestRepo.GetByID(t.dbc(ctx), requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, types.ErrNotFound
	}

	snap := &StatusSnapshot{
		RequestID:     req.ID,
		CorrelationID: req.CorrelationID,
		Status:        req.Status,
		CurrentStage:  req.CurrentStage,
		Progress:      req.Progress,
		CreatedAt:     req.CreatedAt,
		StartedAt:     req.StartedAt,
		CompletedAt:   req.CompletedAt,
		FailedAt:      req.FailedAt,
		ErrorMessage:  req.ErrorMessage,
		ErrorStage:    req.ErrorStage,
	}
	if len(req.ErrorDetails) > 0 {
		_ = json.Unmarshal(req.ErrorDetails, &snap.ErrorDetails)
	}
	if len(req.Outputs) > 0 {
		_ = json.Unmarshal(req.Outputs, &snap.Outputs)
	}
	if req.Status == types.StatusFailed && req.ErrorStage != "" {
		if stage, ok := t.registry.Get(req.ErrorStage); ok {
			snap.RetryAllowed = stage.Retryable
		}
	}
	return snap, nil
}

func (t *requestTracker) LogEvent(ctx context.Context, requestID uuid.UUID, eventType, message string, severity types.EventSeverity, stageName string, payload map[string]any) error {
	req, err := t.requestRepo.GetByID(t.dbc(ctx), requestID)
	if err != nil {
		return err
	}
	if req == nil {
		return types.ErrNotFound
	}
	return t.appendEvent(ctx, requestID, eventType, message, severity, stageName, payload)
}

func (t *requestTracker) Heartbeat(ctx context.Context, requestID uuid.UUID) error {
	return t.requestRepo.Heartbeat(t.dbc(ctx), requestID)
}

func (t *requestTracker) appendEvent(ctx context.Context, requestID uuid.UUID, eventType, message string, severity types.EventSeverity, stageName string, payload map[string]any) error {
	ev := &types.RequestEvent{
		ID:        uuid.New(),
		RequestID: requestID,
		EventType: eventType,
		StageName: stageName,
		Severity:  severity,
		Message:   message,
		CreatedAt: time.Now(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err == nil {
			ev.Payload = datatypes.JSON(raw)
		}
	}
	if _, err := t.eventRepo.Create(t.dbc(ctx), ev); err != nil {
		t.log.Warn("Failed to append request event", "request_id", requestID, "event_type", eventType, "error", err)
		return err
	}
	return nil
}
