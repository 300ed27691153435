// Package eventbus is the in-process pub/sub that carries agent, tool and
// queue events to the orchestrator, notifiers and the gateway stream.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"propwatch/internal/domain"
)

type subscription struct {
	id      uint64
	handler domain.EventHandler
}

// Bus is an in-process, goroutine-safe event bus. Handlers run on their own
// goroutines with a context that keeps the publisher's values but not its
// cancellation, so an event-triggered agent run outlives the request that
// published the event.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]subscription
	allSubs []subscription
	nextID  atomic.Uint64
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool

	statsMu   sync.Mutex
	published map[domain.EventType]uint64
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:     make(map[domain.EventType][]subscription),
		logger:    logger,
		published: make(map[domain.EventType]uint64),
	}
}

// Publish fans out an event to matching typed subscribers and all-event subscribers.
// Panicking handlers are recovered and logged.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	typed := make([]subscription, len(b.typed[event.Type]))
	copy(typed, b.typed[event.Type])
	allSubs := make([]subscription, len(b.allSubs))
	copy(allSubs, b.allSubs)
	b.mu.RUnlock()

	b.statsMu.Lock()
	b.published[event.Type]++
	b.statsMu.Unlock()

	b.logger.Debug("event published",
		"event", string(event.Type),
		"correlation_id", event.CorrelationID,
		"subscribers", len(typed)+len(allSubs),
	)

	hctx := context.WithoutCancel(ctx)
	for _, sub := range typed {
		b.dispatch(hctx, event, sub)
	}
	for _, sub := range allSubs {
		b.dispatch(hctx, event, sub)
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"panic", r,
				)
			}
		}()
		sub.handler(ctx, event)
	}()
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)
	sub := subscription{id: id, handler: handler}

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.typed[eventType] = without(b.typed[eventType], id)
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	id := b.nextID.Add(1)
	sub := subscription{id: id, handler: handler}

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.allSubs = without(b.allSubs, id)
	}
}

func without(subs []subscription, id uint64) []subscription {
	for i, s := range subs {
		if s.id == id {
			out := make([]subscription, 0, len(subs)-1)
			out = append(out, subs[:i]...)
			return append(out, subs[i+1:]...)
		}
	}
	return subs
}

// Drain waits for every handler started so far to return. The bus stays open.
func (b *Bus) Drain() {
	b.wg.Wait()
}

// Stats returns how many events of each type have been published.
func (b *Bus) Stats() map[domain.EventType]uint64 {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	out := make(map[domain.EventType]uint64, len(b.published))
	for k, v := range b.published {
		out[k] = v
	}
	return out
}

// Close prevents new publishes and waits for in-flight handlers. It is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}
