package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/classreel/classreel-backend/internal/data/repos"
	types "github.com/classreel/classreel-backend/internal/domain"
	"github.com/classreel/classreel-backend/internal/pipeline"
	"github.com/classreel/classreel-backend/internal/pkg/dbctx"
	"github.com/classreel/classreel-backend/internal/pkg/logger"
	"github.com/classreel/classreel-backend/internal/services"
)

type Config struct {
	Concurrency       int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// StaleProcessing is how long a claimed request may go without a
	// heartbeat before another worker may reclaim it.
	StaleProcessing time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.StaleProcessing <= 0 {
		c.StaleProcessing = 5 * time.Minute
	}
	return c
}

// Worker claims runnable requests from the queue table and drives each one
// through the orchestrator. Claims use row locks so multiple worker
// processes can poll the same table; a heartbeat keeps the claim alive and
// lets peers reclaim work from a dead process.
type Worker struct {
	log          *logger.Logger
	cfg          Config
	requestRepo  repos.ContentRequestRepo
	tracker      services.RequestTracker
	orchestrator *pipeline.Orchestrator

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func NewWorker(
	baseLog *logger.Logger,
	cfg Config,
	requestRepo repos.ContentRequestRepo,
	tracker services.RequestTracker,
	orchestrator *pipeline.Orchestrator,
) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		log:          baseLog.With("component", "RequestWorker"),
		cfg:          cfg,
		requestRepo:  requestRepo,
		tracker:      tracker,
		orchestrator: orchestrator,
		sem:          semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
}

// Start runs the claim loop until ctx is canceled, then waits for in-flight
// requests to finish.
func (w *Worker) Start(ctx context.Context) {
	w.log.Info("Starting request worker",
		"concurrency", w.cfg.Concurrency,
		"poll_interval", w.cfg.PollInterval,
		"stale_processing", w.cfg.StaleProcessing)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker stopping, draining in-flight requests")
			w.wg.Wait()
			w.log.Info("Worker stopped")
			return
		case <-ticker.C:
			w.drainQueue(ctx)
		}
	}
}

// drainQueue claims until the queue is empty or all slots are busy, so a
// burst of submissions does not wait one poll interval per request.
func (w *Worker) drainQueue(ctx context.Context) {
	for {
		if !w.sem.TryAcquire(1) {
			return
		}
		req, err := w.requestRepo.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, w.cfg.StaleProcessing)
		if err != nil {
			w.sem.Release(1)
			w.log.Warn("Claim failed", "error", err)
			return
		}
		if req == nil {
			w.sem.Release(1)
			return
		}

		w.wg.Add(1)
		go func(req *types.ContentRequest) {
			defer w.wg.Done()
			defer w.sem.Release(1)
			w.process(ctx, req)
		}(req)
	}
}

func (w *Worker) process(ctx context.Context, req *types.ContentRequest) {
	log := w.log.With("request_id", req.ID)
	log.Info("Claimed request", "status", req.Status, "correlation_id", req.CorrelationID)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeatLoop(hbCtx, req)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Request processing panic", "panic", r)
			_ = w.tracker.FailRequest(context.WithoutCancel(ctx), req.ID,
				fmt.Sprintf("internal error: %v", r), "worker_panic", nil)
		}
	}()

	if err := w.orchestrator.Process(ctx, req.ID); err != nil {
		log.Error("Request processing failed", "error", err)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, req *types.ContentRequest) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.tracker.Heartbeat(ctx, req.ID); err != nil {
				w.log.Warn("Heartbeat failed", "request_id", req.ID, "error", err)
			}
		}
	}
}
