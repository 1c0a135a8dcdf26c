package services

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/classreel/classreel-backend/internal/data/repos"
	types "github.com/classreel/classreel-backend/internal/domain"
	"github.com/classreel/classreel-backend/internal/pipeline"
	"github.com/classreel/classreel-backend/internal/pkg/dbctx"
	"github.com/classreel/classreel-backend/internal/pkg/logger"
)

// These run against a real database because the tracker leans on
// database-side behavior: the correlation_id unique index, GREATEST-based
// progress updates, and guarded status transitions.
func trackerTestSetup(t *testing.T) (RequestTracker, repos.StageExecutionRepo, repos.RequestEventRepo) {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set TEST_POSTGRES_DSN to run tracker integration tests")
	}

	log, err := logger.New("development")
	if err != nil {
		t.Fatal(err)
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := db.AutoMigrate(&types.ContentRequest{}, &types.StageExecution{}, &types.RequestEvent{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	requestRepo := repos.NewContentRequestRepo(db, log)
	stageRepo := repos.NewStageExecutionRepo(db, log)
	eventRepo := repos.NewRequestEventRepo(db, log)
	tracker := NewRequestTracker(db, log, pipeline.DefaultRegistry(), requestRepo, stageRepo, eventRepo)
	return tracker, stageRepo, eventRepo
}

func createTestRequest(t *testing.T, tracker RequestTracker, userID uuid.UUID) *types.ContentRequest {
	t.Helper()
	req, created, err := tracker.CreateRequest(context.Background(), CreateRequestInput{
		UserID:     userID,
		Topic:      "photosynthesis",
		Query:      "how do plants make food",
		Modalities: []string{types.ModalityText},
		GradeLevel: "6",
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if !created {
		t.Fatal("request not created")
	}
	return req
}

func TestCreateRequestIdempotentByCorrelationID(t *testing.T) {
	tracker, _, _ := trackerTestSetup(t)
	ctx := context.Background()
	userID := uuid.New()
	correlationID := uuid.New().String()

	in := CreateRequestInput{
		UserID:        userID,
		Topic:         "volcanoes",
		Modalities:    []string{types.ModalityText},
		CorrelationID: correlationID,
	}
	first, created, err := tracker.CreateRequest(ctx, in)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}

	second, created, err := tracker.CreateRequest(ctx, in)
	if err != nil {
		t.Fatalf("replay create: %v", err)
	}
	if created {
		t.Fatal("replay reported as new creation")
	}
	if second.ID != first.ID {
		t.Fatalf("replay returned different request: %s vs %s", second.ID, first.ID)
	}

	in.Strict = true
	if _, _, err := tracker.CreateRequest(ctx, in); !errors.Is(err, types.ErrDuplicate) {
		t.Fatalf("strict replay: got %v, want ErrDuplicate", err)
	}

	in.Strict = false
	in.UserID = uuid.New()
	if _, _, err := tracker.CreateRequest(ctx, in); !errors.Is(err, types.ErrDuplicate) {
		t.Fatalf("cross-user replay: got %v, want ErrDuplicate", err)
	}
}

func TestStageLifecycleAndRetryCounting(t *testing.T) {
	tracker, stageRepo, _ := trackerTestSetup(t)
	ctx := context.Background()
	req := createTestRequest(t, tracker, uuid.New())

	if err := tracker.StartStage(ctx, req.ID, pipeline.StageValidation); err != nil {
		t.Fatalf("StartStage: %v", err)
	}
	if err := tracker.CompleteStage(ctx, req.ID, pipeline.StageValidation, map[string]any{"topic_id": "t-1"}); err != nil {
		t.Fatalf("CompleteStage: %v", err)
	}

	// Two failed attempts of retrieval, then success on the third.
	for i := 0; i < 2; i++ {
		if err := tracker.StartStage(ctx, req.ID, pipeline.StageRetrieval); err != nil {
			t.Fatalf("StartStage attempt %d: %v", i+1, err)
		}
		if err := tracker.FailStage(ctx, req.ID, pipeline.StageRetrieval, "upstream timeout", nil, true); err != nil {
			t.Fatalf("FailStage attempt %d: %v", i+1, err)
		}
		permitted, err := tracker.RetryStage(ctx, req.ID, pipeline.StageRetrieval, 3)
		if err != nil || !permitted {
			t.Fatalf("RetryStage attempt %d: permitted=%v err=%v", i+1, permitted, err)
		}
	}
	if err := tracker.StartStage(ctx, req.ID, pipeline.StageRetrieval); err != nil {
		t.Fatalf("StartStage final: %v", err)
	}
	if err := tracker.CompleteStage(ctx, req.ID, pipeline.StageRetrieval, nil); err != nil {
		t.Fatalf("CompleteStage final: %v", err)
	}

	execs, err := stageRepo.ListByRequest(repoCtx(ctx), req.ID)
	if err != nil {
		t.Fatalf("ListByRequest: %v", err)
	}
	var retrievalRows []*types.StageExecution
	for _, e := range execs {
		if e.StageName == pipeline.StageRetrieval {
			retrievalRows = append(retrievalRows, e)
		}
	}
	if len(retrievalRows) != 3 {
		t.Fatalf("retrieval rows: got %d, want 3", len(retrievalRows))
	}
	failed, err := stageRepo.CountFailedForStage(repoCtx(ctx), req.ID, pipeline.StageRetrieval)
	if err != nil || failed != 2 {
		t.Fatalf("failed count: got %d err=%v, want 2", failed, err)
	}

	// Two failures already recorded: a budget of 1 is exhausted.
	if permitted, _ := tracker.RetryStage(ctx, req.ID, pipeline.StageRetrieval, 1); permitted {
		t.Fatal("retry permitted past budget of 1")
	}
}

func repoCtx(ctx context.Context) dbctx.Context {
	return dbctx.Context{Ctx: ctx}
}

func TestProgressIsMonotonic(t *testing.T) {
	tracker, _, _ := trackerTestSetup(t)
	ctx := context.Background()
	req := createTestRequest(t, tracker, uuid.New())

	if err := tracker.StartStage(ctx, req.ID, pipeline.StageScriptGeneration); err != nil {
		t.Fatalf("StartStage: %v", err)
	}
	after, err := tracker.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	highWater := after.Progress
	if highWater == 0 {
		t.Fatal("progress not advanced by StartStage")
	}

	// Rerunning an earlier stage (stale-claim recovery) must not regress it.
	if err := tracker.StartStage(ctx, req.ID, pipeline.StageValidation); err != nil {
		t.Fatalf("StartStage earlier stage: %v", err)
	}
	again, err := tracker.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.Progress < highWater {
		t.Fatalf("progress regressed: %d -> %d", highWater, again.Progress)
	}
	if again.CurrentStage != pipeline.StageValidation {
		t.Fatalf("current stage: got %s", again.CurrentStage)
	}
}

func TestTerminalRequestIsImmutable(t *testing.T) {
	tracker, _, _ := trackerTestSetup(t)
	ctx := context.Background()
	req := createTestRequest(t, tracker, uuid.New())

	// Leave an in_progress execution behind so the stage mutators have a
	// row they would otherwise touch.
	if err := tracker.StartStage(ctx, req.ID, pipeline.StageRetrieval); err != nil {
		t.Fatalf("StartStage: %v", err)
	}
	if err := tracker.CompleteRequest(ctx, req.ID, map[string]any{"script": "ref://s"}); err != nil {
		t.Fatalf("CompleteRequest: %v", err)
	}

	if err := tracker.StartStage(ctx, req.ID, pipeline.StageRetrieval); !errors.Is(err, types.ErrInvalidTransition) {
		t.Fatalf("StartStage on terminal: got %v, want ErrInvalidTransition", err)
	}
	if err := tracker.CompleteStage(ctx, req.ID, pipeline.StageRetrieval, nil); !errors.Is(err, types.ErrInvalidTransition) {
		t.Fatalf("CompleteStage on terminal: got %v, want ErrInvalidTransition", err)
	}
	if err := tracker.FailStage(ctx, req.ID, pipeline.StageRetrieval, "late failure", nil, true); !errors.Is(err, types.ErrInvalidTransition) {
		t.Fatalf("FailStage on terminal: got %v, want ErrInvalidTransition", err)
	}
	// Terminal-to-terminal attempts are silent no-ops.
	if err := tracker.FailRequest(ctx, req.ID, "late failure", "retrieval", nil); err != nil {
		t.Fatalf("FailRequest on terminal: %v", err)
	}

	final, err := tracker.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != types.StatusCompleted {
		t.Fatalf("status overwritten: %s", final.Status)
	}
	if final.Progress != 100 {
		t.Fatalf("progress: got %d, want 100", final.Progress)
	}
	if final.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
}

func TestEventsAppendedForTransitions(t *testing.T) {
	tracker, _, eventRepo := trackerTestSetup(t)
	ctx := context.Background()
	req := createTestRequest(t, tracker, uuid.New())

	_ = tracker.StartStage(ctx, req.ID, pipeline.StageValidation)
	_ = tracker.CompleteStage(ctx, req.ID, pipeline.StageValidation, nil)
	_ = tracker.SkipStage(ctx, req.ID, pipeline.StageAudioGeneration, "modality not requested")
	_ = tracker.CompleteRequest(ctx, req.ID, nil)

	events, err := eventRepo.ListByRequest(repoCtx(ctx), req.ID, 100)
	if err != nil {
		t.Fatalf("ListByRequest: %v", err)
	}
	want := map[string]bool{
		types.EventStatusChanged:  false,
		types.EventStageStarted:   false,
		types.EventStageCompleted: false,
		types.EventStageSkipped:   false,
	}
	for _, ev := range events {
		if _, ok := want[ev.EventType]; ok {
			want[ev.EventType] = true
		}
	}
	for evType, seen := range want {
		if !seen {
			t.Fatalf("no %s event recorded", evType)
		}
	}
}

func TestGetRequestStatusSnapshot(t *testing.T) {
	tracker, _, _ := trackerTestSetup(t)
	ctx := context.Background()
	req := createTestRequest(t, tracker, uuid.New())

	_ = tracker.StartStage(ctx, req.ID, pipeline.StageRetrieval)
	_ = tracker.FailStage(ctx, req.ID, pipeline.StageRetrieval, "source unavailable", nil, true)
	if err := tracker.FailRequest(ctx, req.ID, "source unavailable", pipeline.StageRetrieval, map[string]any{"attempts": 1}); err != nil {
		t.Fatalf("FailRequest: %v", err)
	}

	snap, err := tracker.GetRequestStatus(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetRequestStatus: %v", err)
	}
	if snap.Status != types.StatusFailed {
		t.Fatalf("status: got %s", snap.Status)
	}
	if snap.ErrorStage != pipeline.StageRetrieval || snap.ErrorMessage == "" {
		t.Fatalf("error fields: stage=%q message=%q", snap.ErrorStage, snap.ErrorMessage)
	}
	if !snap.RetryAllowed {
		t.Fatal("retryable stage failure should allow retry")
	}
	if snap.FailedAt == nil {
		t.Fatal("failed_at not set")
	}

	if _, err := tracker.GetRequestStatus(ctx, uuid.New()); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("unknown id: got %v, want ErrNotFound", err)
	}
}

func TestHeartbeatRefreshesClaim(t *testing.T) {
	tracker, _, _ := trackerTestSetup(t)
	ctx := context.Background()
	req := createTestRequest(t, tracker, uuid.New())

	if err := tracker.Heartbeat(ctx, req.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	after, err := tracker.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.HeartbeatAt == nil || time.Since(*after.HeartbeatAt) > time.Minute {
		t.Fatalf("heartbeat_at not refreshed: %v", after.HeartbeatAt)
	}
}
