package app

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/classreel/classreel-backend/internal/clients/genai"
	"github.com/classreel/classreel-backend/internal/jobs/worker"
	"github.com/classreel/classreel-backend/internal/pipeline"
	"github.com/classreel/classreel-backend/internal/pkg/logger"
	"github.com/classreel/classreel-backend/internal/realtime"
	"github.com/classreel/classreel-backend/internal/realtime/bus"
	"github.com/classreel/classreel-backend/internal/services"
)

type Services struct {
	Tracker      services.RequestTracker
	Requests     services.RequestService
	Monitor      services.MonitorService
	Notifier     *services.RequestNotifier
	Orchestrator *pipeline.Orchestrator
	Worker       *worker.Worker
	Registry     *pipeline.Registry
	Bus          bus.Bus
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, r Repos, hub *realtime.Hub) (Services, error) {
	log.Info("Wiring services...")

	registry := pipeline.DefaultRegistry()
	if cfg.StagePolicyPath != "" {
		if err := registry.ApplyOverrides(cfg.StagePolicyPath); err != nil {
			return Services{}, fmt.Errorf("stage policy: %w", err)
		}
		log.Info("Applied stage policy overrides", "path", cfg.StagePolicyPath)
	}

	var b bus.Bus
	if cfg.RedisAddr != "" {
		rb, err := bus.NewRedisBus(log, cfg.RedisAddr, cfg.NotificationsChannel)
		if err != nil {
			return Services{}, fmt.Errorf("redis bus: %w", err)
		}
		b = rb
	} else {
		log.Warn("REDIS_ADDR not set, notifications stay process-local")
		b = bus.NewLocalBus()
	}

	genaiClient, err := genai.NewClient(log)
	if err != nil {
		return Services{}, fmt.Errorf("genai client: %w", err)
	}

	tracker := services.NewRequestTracker(db, log, registry, r.ContentRequest, r.StageExecution, r.RequestEvent)
	notifier := services.NewRequestNotifier(log, b)

	orchestrator := pipeline.NewOrchestrator(log, registry, tracker, notifier, pipeline.Capabilities{
		Validator: genaiClient,
		Retriever: genaiClient,
		Script:    genaiClient,
		Audio:     genaiClient,
		Video:     genaiClient,
		Output:    genaiClient,
	}, pipeline.OrchestratorConfig{
		BackoffBase:        cfg.BackoffBase,
		BackoffCap:         cfg.BackoffCap,
		MaxTotalProcessing: cfg.MaxTotalProcessing,
		Breaker: pipeline.BreakerSettings{
			FailureThreshold: cfg.BreakerFailureThreshold,
			ResetTimeout:     cfg.BreakerResetTimeout,
			SuccessToClose:   cfg.BreakerSuccessToClose,
		},
	})

	w := worker.NewWorker(log, worker.Config{
		Concurrency:       cfg.WorkerConcurrency,
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		StaleProcessing:   cfg.StaleProcessing,
	}, r.ContentRequest, tracker, orchestrator)

	return Services{
		Tracker:      tracker,
		Requests:     services.NewRequestService(log, tracker, r.StageExecution, r.RequestEvent),
		Monitor:      services.NewMonitorService(log, r.ContentRequest, r.StageExecution, orchestrator, hub),
		Notifier:     notifier,
		Orchestrator: orchestrator,
		Worker:       w,
		Registry:     registry,
		Bus:          b,
	}, nil
}
