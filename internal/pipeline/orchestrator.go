package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	types "github.com/classreel/classreel-backend/internal/domain"
	"github.com/classreel/classreel-backend/internal/pkg/logger"
)

// Tracker is the slice of the request tracker the orchestrator drives. All
// durable request state flows through it; the orchestrator never touches
// storage directly.
type Tracker interface {
	GetRequest(ctx context.Context, requestID uuid.UUID) (*types.ContentRequest, error)
	StartStage(ctx context.Context, requestID uuid.UUID, stageName string) error
	CompleteStage(ctx context.Context, requestID uuid.UUID, stageName string, output map[string]any) error
	SkipStage(ctx context.Context, requestID uuid.UUID, stageName, reason string) error
	FailStage(ctx context.Context, requestID uuid.UUID, stageName, errorMessage string, details map[string]any, retryable bool) error
	RetryStage(ctx context.Context, requestID uuid.UUID, stageName string, maxRetries int) (bool, error)
	CompleteRequest(ctx context.Context, requestID uuid.UUID, outputs map[string]any) error
	FailRequest(ctx context.Context, requestID uuid.UUID, errorMessage, errorStage string, details map[string]any) error
	SetClarificationNeeded(ctx context.Context, requestID uuid.UUID, questions []string, reasoning string) error
	LogEvent(ctx context.Context, requestID uuid.UUID, eventType, message string, severity types.EventSeverity, stageName string, payload map[string]any) error
}

// Notifier pushes best-effort events toward the request owner's live
// subscribers. Calls must never block pipeline progress.
type Notifier interface {
	Started(req *types.ContentRequest)
	Progress(req *types.ContentRequest, stage string, progress int, message string)
	Completed(req *types.ContentRequest, outputs map[string]any)
	Failed(req *types.ContentRequest, stage, errorMessage string)
	ClarificationNeeded(req *types.ContentRequest, questions []string)
}

type OrchestratorConfig struct {
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	MaxTotalProcessing time.Duration
	Breaker            BreakerSettings
}

// Orchestrator drives a claimed request through the stage registry in order,
// wrapping each capability call in that dependency's circuit breaker and the
// stage's timeout.
type Orchestrator struct {
	log      *logger.Logger
	registry *Registry
	tracker  Tracker
	notifier Notifier
	caps     Capabilities
	breakers map[string]*Breaker

	backoffBase time.Duration
	backoffCap  time.Duration
	maxTotal    time.Duration

	// Injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Dependency names for breaker instances; one breaker per external
// dependency, never shared.
const (
	depValidateQuery   = "validate_query"
	depRetrieveContext = "retrieve_context"
	depGenerateScript  = "generate_script"
	depGenerateAudio   = "generate_audio"
	depGenerateVideo   = "generate_video"
	depPersistOutput   = "persist_output"
)

// DependencyNames lists every external dependency a breaker is kept for.
func DependencyNames() []string {
	return []string{depValidateQuery, depRetrieveContext, depGenerateScript, depGenerateAudio, depGenerateVideo, depPersistOutput}
}

func NewOrchestrator(baseLog *logger.Logger, registry *Registry, tracker Tracker, notifier Notifier, caps Capabilities, cfg OrchestratorConfig) *Orchestrator {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if cfg.MaxTotalProcessing <= 0 {
		cfg.MaxTotalProcessing = 30 * time.Minute
	}

	breakers := make(map[string]*Breaker)
	for _, dep := range DependencyNames() {
		settings := cfg.Breaker
		settings.Name = dep
		breakers[dep] = NewBreaker(settings)
	}

	return &Orchestrator{
		log:         baseLog.With("component", "Orchestrator"),
		registry:    registry,
		tracker:     tracker,
		notifier:    notifier,
		caps:        caps,
		breakers:    breakers,
		backoffBase: cfg.BackoffBase,
		backoffCap:  cfg.BackoffCap,
		maxTotal:    cfg.MaxTotalProcessing,
		sleep:       sleepCtx,
	}
}

// BreakerFor exposes a dependency's breaker for monitoring.
func (o *Orchestrator) BreakerFor(dep string) *Breaker { return o.breakers[dep] }

// runState carries inter-stage artifacts for one processing pass.
type runState struct {
	topic    *TopicResolution
	chunks   []ContextChunk
	script   string
	audioURI string
	videoURI string
	outputs  map[string]string
}

// errHalted signals that the pipeline reached a terminal outcome for this
// request (failed or clarification_needed) and processing should stop
// without surfacing an error to the worker.
var errHalted = errors.New("pipeline halted")

// Process runs the full pipeline for one request. It is safe under
// at-least-once delivery: requests already in a terminal state are
// acknowledged and discarded without reprocessing.
func (o *Orchestrator) Process(ctx context.Context, requestID uuid.UUID) error {
	req, err := o.tracker.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req == nil {
		return types.ErrNotFound
	}
	if req.Status.Terminal() {
		o.log.Info("Discarding duplicate delivery for terminal request",
			"request_id", req.ID, "status", req.Status)
		return nil
	}

	log := o.log.With("request_id", req.ID)

	pctx, cancel := context.WithTimeout(ctx, o.maxTotal)
	defer cancel()

	if req.Status == types.StatusPending {
		o.notifier.Started(req)
	}

	state := &runState{}
	for _, st := range o.registry.Stages() {
		if pctx.Err() != nil {
			return o.forceTimeout(ctx, req)
		}

		if st.Modality != "" && !req.HasModality(st.Modality) {
			if err := o.tracker.SkipStage(pctx, req.ID, st.Name, fmt.Sprintf("skipped: modality %q not requested", st.Modality)); err != nil {
				return err
			}
			continue
		}

		if err := o.runStage(pctx, req, st, state); err != nil {
			if errors.Is(err, errHalted) {
				return nil
			}
			if pctx.Err() != nil && ctx.Err() == nil {
				return o.forceTimeout(ctx, req)
			}
			return err
		}
	}

	outputs := make(map[string]any, len(state.outputs))
	for k, v := range state.outputs {
		outputs[k] = v
	}
	if err := o.tracker.CompleteRequest(pctx, req.ID, outputs); err != nil {
		return err
	}
	o.notifier.Completed(req, outputs)
	log.Info("Request completed", "outputs", len(outputs))
	return nil
}

// forceTimeout fails a request whose total processing budget is exhausted.
// Uses the parent context since the per-request context is already dead.
func (o *Orchestrator) forceTimeout(ctx context.Context, req *types.ContentRequest) error {
	msg := "maximum total processing time exceeded"
	if err := o.tracker.FailRequest(ctx, req.ID, msg, "timeout_exceeded", nil); err != nil {
		return err
	}
	o.notifier.Failed(req, "timeout_exceeded", msg)
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, req *types.ContentRequest, st Stage, state *runState) error {
	attempt := 0
	for {
		if err := o.tracker.StartStage(ctx, req.ID, st.Name); err != nil {
			if errors.Is(err, types.ErrInvalidTransition) {
				return errHalted
			}
			return err
		}
		o.notifier.Progress(req, st.Name, o.registry.ProgressFor(st.Name), "Stage started")

		output, invokeErr := o.invoke(ctx, req, st, state)
		if invokeErr == nil {
			if err := o.tracker.CompleteStage(ctx, req.ID, st.Name, output); err != nil {
				if errors.Is(err, types.ErrInvalidTransition) {
					return errHalted
				}
				return err
			}
			o.notifier.Progress(req, st.Name, o.registry.ProgressAfter(st.Name), "Stage completed")
			return nil
		}

		if ce, ok := AsClarification(invokeErr); ok {
			if err := o.tracker.SetClarificationNeeded(ctx, req.ID, ce.Questions, ce.Reasoning); err != nil {
				return err
			}
			o.notifier.ClarificationNeeded(req, ce.Questions)
			return errHalted
		}

		var details map[string]any
		retryable := st.Retryable && (IsTransient(invokeErr) || IsCircuitOpen(invokeErr))

		var coe *CircuitOpenError
		if errors.As(invokeErr, &coe) {
			details = map[string]any{
				"dependency":     coe.Name,
				"retry_after_ms": coe.RetryAfter.Milliseconds(),
			}
			_ = o.tracker.LogEvent(ctx, req.ID, types.EventCircuitBreakerOpen,
				fmt.Sprintf("circuit open for dependency %q", coe.Name),
				types.SeverityWarning, st.Name, details)
		}
		if IsValidation(invokeErr) {
			retryable = false
		}

		if err := o.tracker.FailStage(ctx, req.ID, st.Name, invokeErr.Error(), details, retryable); err != nil {
			if errors.Is(err, types.ErrInvalidTransition) {
				return errHalted
			}
			return err
		}

		if retryable {
			permitted, err := o.tracker.RetryStage(ctx, req.ID, st.Name, st.MaxRetries)
			if err != nil {
				return err
			}
			if permitted {
				attempt++
				delay := o.backoffDelay(attempt, coe)
				o.log.Debug("Retrying stage",
					"request_id", req.ID, "stage", st.Name, "attempt", attempt, "delay", delay)
				if err := o.sleep(ctx, delay); err != nil {
					return err
				}
				continue
			}
		}

		if err := o.tracker.FailRequest(ctx, req.ID, invokeErr.Error(), st.Name, details); err != nil {
			return err
		}
		o.notifier.Failed(req, st.Name, invokeErr.Error())
		return errHalted
	}
}

// backoffDelay is exponential with full jitter: uniform over (0, min(cap,
// base*2^(attempt-1))]. A circuit-open cooldown hint raises the floor so the
// retry does not land inside the same open window.
func (o *Orchestrator) backoffDelay(attempt int, coe *CircuitOpenError) time.Duration {
	d := o.backoffBase << (attempt - 1)
	if d > o.backoffCap || d <= 0 {
		d = o.backoffCap
	}
	delay := time.Duration(rand.Int63n(int64(d)) + 1)
	if coe != nil && coe.RetryAfter > delay {
		delay = coe.RetryAfter
	}
	return delay
}

func (o *Orchestrator) invoke(ctx context.Context, req *types.ContentRequest, st Stage, state *runState) (map[string]any, error) {
	cctx, cancel := context.WithTimeout(ctx, st.Timeout)
	defer cancel()

	switch st.Name {
	case StageValidation:
		query := req.Query
		if query == "" {
			query = req.Topic
		}
		var res *TopicResolution
		err := o.breakers[depValidateQuery].Call(func() error {
			var callErr error
			res, callErr = o.caps.Validator.ValidateQuery(cctx, query, req.GradeLevel)
			return callErr
		})
		if err != nil {
			return nil, err
		}
		state.topic = res
		return map[string]any{"topic_id": res.TopicID, "topic_name": res.TopicName}, nil

	case StageRetrieval:
		topicID := ""
		if state.topic != nil {
			topicID = state.topic.TopicID
		}
		var chunks []ContextChunk
		err := o.breakers[depRetrieveContext].Call(func() error {
			var callErr error
			chunks, callErr = o.caps.Retriever.RetrieveContext(cctx, topicID, req.Query, req.GradeLevel)
			return callErr
		})
		if err != nil {
			return nil, err
		}
		state.chunks = chunks
		return map[string]any{"chunk_count": len(chunks)}, nil

	case StageScriptGeneration:
		topicName := req.Topic
		if state.topic != nil && state.topic.TopicName != "" {
			topicName = state.topic.TopicName
		}
		var script string
		err := o.breakers[depGenerateScript].Call(func() error {
			var callErr error
			script, callErr = o.caps.Script.GenerateScript(cctx, topicName, state.chunks, req.Query, req.GradeLevel)
			return callErr
		})
		if err != nil {
			return nil, err
		}
		state.script = script
		return map[string]any{"script_chars": len(script)}, nil

	case StageAudioGeneration:
		var audioURI string
		err := o.breakers[depGenerateAudio].Call(func() error {
			var callErr error
			audioURI, callErr = o.caps.Audio.GenerateAudio(cctx, state.script)
			return callErr
		})
		if err != nil {
			return nil, err
		}
		state.audioURI = audioURI
		return map[string]any{"audio_uri": audioURI}, nil

	case StageVideoGeneration:
		var videoURI string
		err := o.breakers[depGenerateVideo].Call(func() error {
			var callErr error
			videoURI, callErr = o.caps.Video.GenerateVideo(cctx, state.script, state.audioURI)
			return callErr
		})
		if err != nil {
			return nil, err
		}
		state.videoURI = videoURI
		return map[string]any{"video_uri": videoURI}, nil

	case StageOutputProcessing:
		artifacts := OutputArtifacts{
			ScriptText: state.script,
			AudioURI:   state.audioURI,
			VideoURI:   state.videoURI,
		}
		var refs map[string]string
		err := o.breakers[depPersistOutput].Call(func() error {
			var callErr error
			refs, callErr = o.caps.Output.PersistOutput(cctx, req.ID, artifacts)
			return callErr
		})
		if err != nil {
			return nil, err
		}
		state.outputs = refs
		out := make(map[string]any, len(refs))
		for k, v := range refs {
			out[k] = v
		}
		return out, nil

	default:
		return nil, Permanent(fmt.Errorf("no capability mapped for stage %q", st.Name))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
