package bus

import (
	"context"
	"sync"

	types "github.com/classreel/classreel-backend/internal/domain"
)

// Bus is the distributed publish/subscribe channel between backend
// publishers and the per-process notification hubs. Publish is
// fire-and-forget toward subscribers; StartForwarder pumps incoming events
// into the local hub.
type Bus interface {
	Publish(ctx context.Context, ev types.NotificationEvent) error
	StartForwarder(ctx context.Context, onEvent func(ev types.NotificationEvent)) error
	Close() error
}

// localBus is a single-process Bus used in tests and when no Redis address
// is configured. Events published before the forwarder starts are dropped,
// matching the at-most-once live-delivery contract.
type localBus struct {
	mu      sync.RWMutex
	onEvent func(ev types.NotificationEvent)
	closed  bool
}

func NewLocalBus() Bus {
	return &localBus{}
}

func (b *localBus) Publish(_ context.Context, ev types.NotificationEvent) error {
	b.mu.RLock()
	fn := b.onEvent
	closed := b.closed
	b.mu.RUnlock()
	if closed || fn == nil {
		return nil
	}
	fn(ev)
	return nil
}

func (b *localBus) StartForwarder(_ context.Context, onEvent func(ev types.NotificationEvent)) error {
	b.mu.Lock()
	b.onEvent = onEvent
	b.mu.Unlock()
	return nil
}

func (b *localBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.onEvent = nil
	b.mu.Unlock()
	return nil
}
