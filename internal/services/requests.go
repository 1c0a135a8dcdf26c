package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/classreel/classreel-backend/internal/data/repos"
	types "github.com/classreel/classreel-backend/internal/domain"
	"github.com/classreel/classreel-backend/internal/pkg/dbctx"
	"github.com/classreel/classreel-backend/internal/pkg/logger"
)

// SubmitInput is the API-facing submission payload, validated here before it
// reaches the tracker.
type SubmitInput struct {
	UserID         uuid.UUID
	OrganizationID *uuid.UUID
	Topic          string
	Query          string
	Modalities     []string
	GradeLevel     string
	CorrelationID  string
}

// SubmitResult distinguishes a fresh acceptance from an idempotent replay.
type SubmitResult struct {
	Request *types.ContentRequest
	Created bool
}

// RequestService is the submission and read-side surface in front of the
// tracker. Reads are scoped to the owning user; a request owned by someone
// else reads as not found. The pipeline worker never goes through it.
type RequestService interface {
	Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error)
	GetStatus(ctx context.Context, userID, requestID uuid.UUID) (*StatusSnapshot, error)
	ListStages(ctx context.Context, userID, requestID uuid.UUID) ([]*types.StageExecution, error)
	ListEvents(ctx context.Context, userID, requestID uuid.UUID, limit int) ([]*types.RequestEvent, error)
}

type requestService struct {
	log       *logger.Logger
	tracker   RequestTracker
	stageRepo repos.StageExecutionRepo
	eventRepo repos.RequestEventRepo
}

func NewRequestService(
	baseLog *logger.Logger,
	tracker RequestTracker,
	stageRepo repos.StageExecutionRepo,
	eventRepo repos.RequestEventRepo,
) RequestService {
	return &requestService{
		log:       baseLog.With("service", "RequestService"),
		tracker:   tracker,
		stageRepo: stageRepo,
		eventRepo: eventRepo,
	}
}

func validModality(m string) bool {
	return m == types.ModalityText || m == types.ModalityVideo
}

func (s *requestService) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	if in.UserID == uuid.Nil {
		return nil, fmt.Errorf("user id required")
	}
	if in.Topic == "" && in.Query == "" {
		return nil, fmt.Errorf("topic or query required")
	}
	for _, m := range in.Modalities {
		if !validModality(m) {
			return nil, fmt.Errorf("unsupported modality %q", m)
		}
	}

	req, created, err := s.tracker.CreateRequest(ctx, CreateRequestInput{
		UserID:         in.UserID,
		OrganizationID: in.OrganizationID,
		Topic:          in.Topic,
		Query:          in.Query,
		Modalities:     in.Modalities,
		GradeLevel:     in.GradeLevel,
		CorrelationID:  in.CorrelationID,
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.log.Info("Request accepted",
			"request_id", req.ID, "correlation_id", req.CorrelationID, "user_id", req.UserID)
	} else {
		s.log.Info("Duplicate submission resolved to existing request",
			"request_id", req.ID, "correlation_id", req.CorrelationID)
	}
	return &SubmitResult{Request: req, Created: created}, nil
}

// ownedRequest resolves a request only when it belongs to userID.
func (s *requestService) ownedRequest(ctx context.Context, userID, requestID uuid.UUID) error {
	req, err := s.tracker.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req == nil || req.UserID != userID {
		return types.ErrNotFound
	}
	return nil
}

func (s *requestService) GetStatus(ctx context.Context, userID, requestID uuid.UUID) (*StatusSnapshot, error) {
	if err := s.ownedRequest(ctx, userID, requestID); err != nil {
		return nil, err
	}
	return s.tracker.GetRequestStatus(ctx, requestID)
}

func (s *requestService) ListStages(ctx context.Context, userID, requestID uuid.UUID) ([]*types.StageExecution, error) {
	if err := s.ownedRequest(ctx, userID, requestID); err != nil {
		return nil, err
	}
	return s.stageRepo.ListByRequest(dbctx.Context{Ctx: ctx}, requestID)
}

func (s *requestService) ListEvents(ctx context.Context, userID, requestID uuid.UUID, limit int) ([]*types.RequestEvent, error) {
	if err := s.ownedRequest(ctx, userID, requestID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.eventRepo.ListByRequest(dbctx.Context{Ctx: ctx}, requestID, limit)
}
