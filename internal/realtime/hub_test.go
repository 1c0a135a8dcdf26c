package realtime

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	types "github.com/classreel/classreel-backend/internal/domain"
	"github.com/classreel/classreel-backend/internal/pkg/logger"
)

func testHub(t *testing.T, opts HubOptions) *Hub {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatal(err)
	}
	return NewHub(log, opts)
}

func progressEvent(userID uuid.UUID, msg string) types.NotificationEvent {
	return types.NotificationEvent{
		UserID:    userID,
		Type:      types.NotificationGenerationProgress,
		Message:   msg,
		Timestamp: time.Now(),
	}
}

func drain(sub *Subscriber) []types.NotificationEvent {
	var out []types.NotificationEvent
	for {
		select {
		case ev := <-sub.Outbound:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestBroadcastFansOutToAllUserSubscribers(t *testing.T) {
	t.Parallel()
	h := testHub(t, HubOptions{})
	alice := uuid.New()
	bob := uuid.New()

	a1, _ := h.Subscribe(alice)
	a2, _ := h.Subscribe(alice)
	b1, _ := h.Subscribe(bob)

	h.Broadcast(progressEvent(alice, "halfway"))

	for i, sub := range []*Subscriber{a1, a2} {
		got := drain(sub)
		if len(got) != 1 || got[0].Message != "halfway" {
			t.Fatalf("subscriber %d: got %v", i, got)
		}
	}
	if got := drain(b1); len(got) != 0 {
		t.Fatalf("other user received events: %v", got)
	}
	if n := h.SubscriberCount(alice); n != 2 {
		t.Fatalf("SubscriberCount: got %d, want 2", n)
	}
	if n := h.TotalSubscribers(); n != 3 {
		t.Fatalf("TotalSubscribers: got %d, want 3", n)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	h := testHub(t, HubOptions{})
	userID := uuid.New()

	sub, _ := h.Subscribe(userID)
	h.Unsubscribe(sub)

	h.Broadcast(progressEvent(userID, "after unsubscribe"))
	if got := drain(sub); len(got) != 0 {
		t.Fatalf("unsubscribed subscriber received events: %v", got)
	}
	select {
	case <-sub.done:
	default:
		t.Fatal("done channel not closed on unsubscribe")
	}
}

func TestOverflowShedsOldestAndMarksGap(t *testing.T) {
	t.Parallel()
	h := testHub(t, HubOptions{QueueSize: 4})
	userID := uuid.New()
	sub, _ := h.Subscribe(userID)

	for _, msg := range []string{"e1", "e2", "e3", "e4", "e5"} {
		h.Broadcast(progressEvent(userID, msg))
	}

	got := drain(sub)
	if len(got) != 4 {
		t.Fatalf("queue length: got %d, want 4", len(got))
	}

	sawMarker := false
	for _, ev := range got {
		if ev.Type == types.NotificationBacklogOverflow {
			sawMarker = true
		}
		if ev.Message == "e1" || ev.Message == "e2" {
			t.Fatalf("shed event still delivered: %s", ev.Message)
		}
	}
	if !sawMarker {
		t.Fatalf("no backlog_overflow marker in %v", got)
	}
	if last := got[len(got)-1]; last.Message != "e5" {
		t.Fatalf("newest event lost, tail is %q", last.Message)
	}
}

func TestOverflowMarkerOncePerBurst(t *testing.T) {
	t.Parallel()
	h := testHub(t, HubOptions{QueueSize: 4})
	userID := uuid.New()
	sub, _ := h.Subscribe(userID)

	for i := 0; i < 10; i++ {
		h.Broadcast(progressEvent(userID, "burst"))
	}

	markers := 0
	for _, ev := range drain(sub) {
		if ev.Type == types.NotificationBacklogOverflow {
			markers++
		}
	}
	if markers > 1 {
		t.Fatalf("marker inserted %d times for one burst", markers)
	}
}

func TestReplayBacklogOnSubscribe(t *testing.T) {
	t.Parallel()
	h := testHub(t, HubOptions{BacklogSize: 3})
	userID := uuid.New()

	for _, msg := range []string{"e1", "e2", "e3", "e4", "e5"} {
		h.Broadcast(progressEvent(userID, msg))
	}

	_, replay := h.Subscribe(userID)
	if len(replay) != 3 {
		t.Fatalf("replay length: got %d, want 3", len(replay))
	}
	for i, want := range []string{"e3", "e4", "e5"} {
		if replay[i].Message != want {
			t.Fatalf("replay[%d]: got %q, want %q", i, replay[i].Message, want)
		}
	}
}

func TestBacklogClampedToQueueCapacity(t *testing.T) {
	t.Parallel()
	// A backlog larger than the queue would make the stream handler's
	// connection frame plus replay sends block.
	h := testHub(t, HubOptions{QueueSize: 4, BacklogSize: 10})
	userID := uuid.New()

	for _, msg := range []string{"e1", "e2", "e3", "e4", "e5", "e6"} {
		h.Broadcast(progressEvent(userID, msg))
	}

	sub, replay := h.Subscribe(userID)
	if len(replay) != 3 {
		t.Fatalf("replay length: got %d, want 3", len(replay))
	}
	for i, want := range []string{"e4", "e5", "e6"} {
		if replay[i].Message != want {
			t.Fatalf("replay[%d]: got %q, want %q", i, replay[i].Message, want)
		}
	}
	// One slot stays free after the whole replay is queued.
	for _, ev := range replay {
		sub.Outbound <- ev
	}
	select {
	case sub.Outbound <- progressEvent(userID, "frame"):
	default:
		t.Fatal("queue full after replay, no room for the connection frame")
	}
}

func TestEvictIdleRemovesStaleSubscribers(t *testing.T) {
	t.Parallel()
	h := testHub(t, HubOptions{HeartbeatInterval: time.Second, IdleTimeout: time.Minute})
	userID := uuid.New()

	stale, _ := h.Subscribe(userID)
	fresh, _ := h.Subscribe(userID)

	stale.mu.Lock()
	stale.lastActive = time.Now().Add(-2 * time.Minute)
	stale.mu.Unlock()

	h.evictIdle()

	if n := h.SubscriberCount(userID); n != 1 {
		t.Fatalf("SubscriberCount after eviction: got %d, want 1", n)
	}
	select {
	case <-stale.done:
	default:
		t.Fatal("stale subscriber not closed")
	}
	select {
	case <-fresh.done:
		t.Fatal("fresh subscriber evicted")
	default:
	}
}

func TestShutdownNotifiesSubscribers(t *testing.T) {
	t.Parallel()
	h := testHub(t, HubOptions{})
	userID := uuid.New()
	sub, _ := h.Subscribe(userID)

	h.Shutdown()

	got := drain(sub)
	if len(got) != 1 || got[0].Type != types.NotificationServerClosing {
		t.Fatalf("shutdown events: %v", got)
	}
	select {
	case <-sub.done:
	default:
		t.Fatal("subscriber not closed on shutdown")
	}
	if n := h.TotalSubscribers(); n != 0 {
		t.Fatalf("TotalSubscribers after shutdown: got %d, want 0", n)
	}
}

func TestServeSSEWritesEventFrames(t *testing.T) {
	t.Parallel()
	h := testHub(t, HubOptions{})
	userID := uuid.New()
	sub, _ := h.Subscribe(userID)

	h.Broadcast(progressEvent(userID, "halfway"))

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/api/notifications/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeSSE(rec, req, sub)
		close(done)
	}()

	// Give the serve loop time to drain the queued event, then stop it.
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	if !strings.Contains(body, "event: "+string(types.NotificationGenerationProgress)) {
		t.Fatalf("event frame missing, body: %q", body)
	}
	if !strings.Contains(body, "data: ") || !strings.Contains(body, `"message":"halfway"`) {
		t.Fatalf("unexpected SSE body: %q", body)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type: %q", got)
	}
}
