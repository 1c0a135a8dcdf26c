package services

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/classreel/classreel-backend/internal/domain"
	"github.com/classreel/classreel-backend/internal/pkg/logger"
	"github.com/classreel/classreel-backend/internal/realtime/bus"
)

type eventSink struct {
	mu     sync.Mutex
	events []types.NotificationEvent
}

func (s *eventSink) add(ev types.NotificationEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *eventSink) all() []types.NotificationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.NotificationEvent, len(s.events))
	copy(out, s.events)
	return out
}

func notifierSetup(t *testing.T) (*RequestNotifier, *eventSink) {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatal(err)
	}
	b := bus.NewLocalBus()
	sink := &eventSink{}
	if err := b.StartForwarder(context.Background(), sink.add); err != nil {
		t.Fatal(err)
	}
	return NewRequestNotifier(log, b), sink
}

func notifierTestRequest() *types.ContentRequest {
	return &types.ContentRequest{
		ID:         uuid.New(),
		UserID:     uuid.New(),
		Topic:      "gravity",
		Modalities: datatypes.JSON([]byte(`["text"]`)),
		Status:     types.StatusPending,
	}
}

func TestNotifierLifecycleEvents(t *testing.T) {
	t.Parallel()
	n, sink := notifierSetup(t)
	req := notifierTestRequest()

	n.Started(req)
	n.Progress(req, "retrieval", 16, "Stage started")
	n.Completed(req, map[string]any{"script": "ref://s"})
	n.Failed(req, "retrieval", "source unavailable")
	n.ClarificationNeeded(req, []string{"which planet?"})

	events := sink.all()
	if len(events) != 5 {
		t.Fatalf("event count: got %d, want 5", len(events))
	}

	wantTypes := []types.NotificationType{
		types.NotificationGenerationStarted,
		types.NotificationGenerationProgress,
		types.NotificationGenerationCompleted,
		types.NotificationGenerationFailed,
		types.NotificationClarificationNeeded,
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Fatalf("event %d: got %s, want %s", i, events[i].Type, want)
		}
		if events[i].UserID != req.UserID {
			t.Fatalf("event %d targets wrong user", i)
		}
		if events[i].ContentRequestID == nil || *events[i].ContentRequestID != req.ID {
			t.Fatalf("event %d missing request id", i)
		}
		if events[i].Timestamp.IsZero() {
			t.Fatalf("event %d has zero timestamp", i)
		}
	}

	progress := events[1]
	if progress.Stage != "retrieval" || progress.Progress == nil || *progress.Progress != 16 {
		t.Fatalf("progress payload: stage=%q progress=%v", progress.Stage, progress.Progress)
	}
	completed := events[2]
	if completed.Data["script"] != "ref://s" {
		t.Fatalf("completed payload: %v", completed.Data)
	}
	clarification := events[4]
	qs, _ := clarification.Data["questions"].([]string)
	if len(qs) != 1 || qs[0] != "which planet?" {
		t.Fatalf("clarification payload: %v", clarification.Data)
	}
}
