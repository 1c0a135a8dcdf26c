package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	types "github.com/classreel/classreel-backend/internal/domain"
	"github.com/classreel/classreel-backend/internal/pkg/logger"
)

// Subscriber is one live streaming connection owned by a user. A user may
// hold several concurrent subscribers (tabs, devices); every event for the
// user is delivered to all of them.
type Subscriber struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	CreatedAt time.Time
	Outbound  chan types.NotificationEvent
	done      chan struct{}

	mu         sync.Mutex
	lastActive time.Time
	overflowed bool
	closed     bool
}

// Touch records read-side liveness; the janitor evicts subscribers whose
// last activity is older than the idle timeout.
func (s *Subscriber) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *Subscriber) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive.Before(cutoff)
}

type HubOptions struct {
	// Per-subscriber delivery queue size. On overflow the oldest events are
	// dropped and a backlog_overflow marker is inserted.
	QueueSize int
	// Per-user replay backlog retained for newly-connecting subscribers.
	BacklogSize int
	HeartbeatInterval time.Duration
	// Subscribers with no read-side activity for this long are evicted.
	IdleTimeout time.Duration
}

func (o HubOptions) withDefaults() HubOptions {
	if o.QueueSize <= 0 {
		o.QueueSize = 100
	}
	if o.BacklogSize <= 0 {
		o.BacklogSize = 50
	}
	// The stream handler pushes the connection frame plus the full replay
	// into a fresh Outbound queue before the write loop starts; the backlog
	// must leave room for that frame or those sends would block.
	if o.BacklogSize > o.QueueSize-1 {
		o.BacklogSize = o.QueueSize - 1
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * o.HeartbeatInterval
	}
	return o
}

// Hub is the notification broker: it owns the per-user subscriber table,
// fans published events out to every live subscriber for the target user,
// and keeps a bounded per-user backlog for reconnect replay.
type Hub struct {
	log  *logger.Logger
	opts HubOptions

	mu      sync.RWMutex
	subs    map[uuid.UUID]map[*Subscriber]bool
	backlog map[uuid.UUID][]types.NotificationEvent
	closed  bool
}

func NewHub(baseLog *logger.Logger, opts HubOptions) *Hub {
	return &Hub{
		log:     baseLog.With("component", "NotificationHub"),
		opts:    opts.withDefaults(),
		subs:    make(map[uuid.UUID]map[*Subscriber]bool),
		backlog: make(map[uuid.UUID][]types.NotificationEvent),
	}
}

func (h *Hub) HeartbeatInterval() time.Duration { return h.opts.HeartbeatInterval }

// Subscribe registers a new connection for the user and returns it together
// with the replay backlog (oldest first) accumulated while the user had no
// listener for those events.
func (h *Hub) Subscribe(userID uuid.UUID) (*Subscriber, []types.NotificationEvent) {
	sub := &Subscriber{
		ID:         uuid.New(),
		UserID:     userID,
		CreatedAt:  time.Now(),
		Outbound:   make(chan types.NotificationEvent, h.opts.QueueSize),
		done:       make(chan struct{}),
		lastActive: time.Now(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.done)
		return sub, nil
	}
	set, ok := h.subs[userID]
	if !ok {
		set = make(map[*Subscriber]bool)
		h.subs[userID] = set
	}
	set[sub] = true

	replay := make([]types.NotificationEvent, len(h.backlog[userID]))
	copy(replay, h.backlog[userID])

	h.log.Debug("Subscriber registered", "subscriber_id", sub.ID, "user_id", userID, "replay", len(replay))
	return sub, replay
}

func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	if set, ok := h.subs[sub.UserID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.UserID)
		}
	}
	h.mu.Unlock()

	sub.mu.Lock()
	alreadyClosed := sub.closed
	sub.closed = true
	sub.mu.Unlock()
	if !alreadyClosed {
		close(sub.done)
	}
	h.log.Debug("Subscriber removed", "subscriber_id", sub.ID, "user_id", sub.UserID)
}

// SubscriberCount reports live connections for a user (monitoring).
func (h *Hub) SubscriberCount(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

// TotalSubscribers reports live connections across all users.
func (h *Hub) TotalSubscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// Broadcast delivers one event to every live subscriber of the target user
// and appends it to the user's replay backlog. Never blocks: a full
// subscriber queue sheds its oldest events and receives a single
// backlog_overflow marker so the client knows it missed messages. Slow
// consumers never affect other subscribers or the publisher.
func (h *Hub) Broadcast(ev types.NotificationEvent) {
	if ev.UserID == uuid.Nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	bl := append(h.backlog[ev.UserID], ev)
	if len(bl) > h.opts.BacklogSize {
		bl = bl[len(bl)-h.opts.BacklogSize:]
	}
	h.backlog[ev.UserID] = bl

	targets := make([]*Subscriber, 0, len(h.subs[ev.UserID]))
	for s := range h.subs[ev.UserID] {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		h.enqueue(s, ev)
	}
}

func (h *Hub) enqueue(s *Subscriber, ev types.NotificationEvent) {
	select {
	case s.Outbound <- ev:
		s.mu.Lock()
		s.overflowed = false
		s.mu.Unlock()
		return
	default:
	}

	// Queue full: shed oldest, mark the gap once per overflow burst.
	s.mu.Lock()
	firstOverflow := !s.overflowed
	s.overflowed = true
	s.mu.Unlock()

	if firstOverflow {
		h.dropOldest(s)
		marker := types.NotificationEvent{
			UserID:    s.UserID,
			Type:      types.NotificationBacklogOverflow,
			Message:   "delivery queue overflowed; events were dropped",
			Timestamp: time.Now(),
		}
		if !h.trySend(s, marker) {
			h.dropOldest(s)
			_ = h.trySend(s, marker)
		}
	}
	h.dropOldest(s)
	if !h.trySend(s, ev) {
		h.log.Warn("Dropping event after overflow shed", "subscriber_id", s.ID, "type", ev.Type)
	}
}

func (h *Hub) trySend(s *Subscriber, ev types.NotificationEvent) bool {
	select {
	case s.Outbound <- ev:
		return true
	default:
		return false
	}
}

func (h *Hub) dropOldest(s *Subscriber) {
	select {
	case <-s.Outbound:
	default:
	}
}

// StartJanitor evicts subscribers whose read side stopped consuming.
// Runs until ctx is done.
func (h *Hub) StartJanitor(done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(h.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				h.evictIdle()
			}
		}
	}()
}

func (h *Hub) evictIdle() {
	cutoff := time.Now().Add(-h.opts.IdleTimeout)

	h.mu.RLock()
	var stale []*Subscriber
	for _, set := range h.subs {
		for s := range set {
			if s.idleSince(cutoff) {
				stale = append(stale, s)
			}
		}
	}
	h.mu.RUnlock()

	for _, s := range stale {
		h.log.Info("Evicting idle subscriber", "subscriber_id", s.ID, "user_id", s.UserID)
		h.Unsubscribe(s)
	}
}

// Shutdown notifies every subscriber the server is closing and tears the
// connection table down. New Subscribe calls after Shutdown return a closed
// subscriber.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*Subscriber
	for _, set := range h.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	h.subs = make(map[uuid.UUID]map[*Subscriber]bool)
	h.backlog = make(map[uuid.UUID][]types.NotificationEvent)
	h.mu.Unlock()

	for _, s := range all {
		_ = h.trySend(s, types.NotificationEvent{
			UserID:    s.UserID,
			Type:      types.NotificationServerClosing,
			Message:   "server shutting down",
			Timestamp: time.Now(),
		})
		s.mu.Lock()
		alreadyClosed := s.closed
		s.closed = true
		s.mu.Unlock()
		if !alreadyClosed {
			close(s.done)
		}
	}
	h.log.Info("Hub shut down", "subscribers", len(all))
}

// ServeSSE streams the subscriber's events as server-sent events until the
// client disconnects, the subscriber is closed, or the server shuts down.
// Write errors terminate the stream; successful writes refresh liveness.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, sub *Subscriber) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()

	heartbeat := time.NewTicker(h.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Debug("Subscriber context done", "subscriber_id", sub.ID, "err", ctx.Err())
			return
		case <-sub.done:
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
			sub.Touch()
		case ev := <-sub.Outbound:
			raw, err := json.Marshal(ev)
			if err != nil {
				h.log.Warn("Failed to marshal notification event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, raw); err != nil {
				return
			}
			flusher.Flush()
			sub.Touch()
		}
	}
}
