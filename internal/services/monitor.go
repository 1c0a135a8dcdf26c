package services

import (
	"context"
	"time"

	"github.com/classreel/classreel-backend/internal/data/repos"
	types "github.com/classreel/classreel-backend/internal/domain"
	"github.com/classreel/classreel-backend/internal/pipeline"
	"github.com/classreel/classreel-backend/internal/pkg/dbctx"
	"github.com/classreel/classreel-backend/internal/pkg/logger"
)

// BreakerSnapshot is the monitoring view of one dependency's circuit breaker.
type BreakerSnapshot struct {
	Dependency string `json:"dependency"`
	State      string `json:"state"`
}

// MonitorService exposes operational read models: in-flight requests, stage
// throughput over a window, and circuit breaker states.
type MonitorService interface {
	ActiveRequests(ctx context.Context, limit int) ([]*types.ContentRequest, error)
	StageMetrics(ctx context.Context, window time.Duration) ([]repos.StageMetric, error)
	BreakerStates() []BreakerSnapshot
	SubscriberCount() int
}

// SubscriberCounter is satisfied by the realtime hub.
type SubscriberCounter interface {
	TotalSubscribers() int
}

type monitorService struct {
	log          *logger.Logger
	requestRepo  repos.ContentRequestRepo
	stageRepo    repos.StageExecutionRepo
	orchestrator *pipeline.Orchestrator
	deps         []string
	hub          SubscriberCounter
}

func NewMonitorService(
	baseLog *logger.Logger,
	requestRepo repos.ContentRequestRepo,
	stageRepo repos.StageExecutionRepo,
	orchestrator *pipeline.Orchestrator,
	hub SubscriberCounter,
) MonitorService {
	return &monitorService{
		log:          baseLog.With("service", "MonitorService"),
		requestRepo:  requestRepo,
		stageRepo:    stageRepo,
		orchestrator: orchestrator,
		deps:         pipeline.DependencyNames(),
		hub:          hub,
	}
}

func (s *monitorService) ActiveRequests(ctx context.Context, limit int) ([]*types.ContentRequest, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.requestRepo.ListActive(dbctx.Context{Ctx: ctx}, limit)
}

func (s *monitorService) StageMetrics(ctx context.Context, window time.Duration) ([]repos.StageMetric, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return s.stageRepo.StageMetrics(dbctx.Context{Ctx: ctx}, window)
}

func (s *monitorService) BreakerStates() []BreakerSnapshot {
	out := make([]BreakerSnapshot, 0, len(s.deps))
	for _, dep := range s.deps {
		b := s.orchestrator.BreakerFor(dep)
		if b == nil {
			continue
		}
		out = append(out, BreakerSnapshot{Dependency: dep, State: string(b.State())})
	}
	return out
}

func (s *monitorService) SubscriberCount() int {
	if s.hub == nil {
		return 0
	}
	return s.hub.TotalSubscribers()
}
