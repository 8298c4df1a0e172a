// Package bus implements the typed publish/subscribe mediator every Relay
// component communicates through. Handler execution is isolated: a panic or
// error in one subscriber never prevents the others from running and never
// propagates to the emitter. Failures are logged and re-published as
// capability:error events.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Handler processes one event. The payload is the concrete type registered
// for the event name; handlers type-assert accordingly.
type Handler func(ctx context.Context, ev Event) error

// Subscription identifies one registered handler for later removal.
type Subscription struct {
	event string
	id    uint64
}

type subscriber struct {
	id   uint64
	fn   Handler
	once bool
}

// Bus is the typed publish/subscribe mediator.
type Bus struct {
	// subs holds subscribers per event name in insertion order.
	subs map[string][]*subscriber

	nextID uint64
	logger *slog.Logger
	mu     sync.Mutex
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string][]*subscriber),
		logger: logger.With("component", "bus"),
	}
}

// Subscribe registers a handler for an event name.
func (b *Bus) Subscribe(event string, fn Handler) (*Subscription, error) {
	return b.subscribe(event, fn, false)
}

// SubscribeOnce registers a handler that fires at most once. The handler is
// detached before it runs, so concurrent emits of the same event cannot fire
// it twice.
func (b *Bus) SubscribeOnce(event string, fn Handler) (*Subscription, error) {
	return b.subscribe(event, fn, true)
}

func (b *Bus) subscribe(event string, fn Handler, once bool) (*Subscription, error) {
	if !knownEvents[event] {
		return nil, fmt.Errorf("unknown event %q", event)
	}
	if fn == nil {
		return nil, fmt.Errorf("nil handler for event %q", event)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs[event] = append(b.subs[event], &subscriber{id: b.nextID, fn: fn, once: once})

	return &Subscription{event: event, id: b.nextID}, nil
}

// Unsubscribe removes a previously registered handler. Unknown subscriptions
// are ignored.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.event]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.event] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// SubscriberCount returns the number of handlers registered for an event.
func (b *Bus) SubscriberCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[event])
}

// Emit dispatches the event to all subscribers and waits for every handler
// to settle. Handlers run concurrently; no inter-handler order is guaranteed.
func (b *Bus) Emit(ctx context.Context, ev Event) error {
	handlers, err := b.snapshot(ev)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, s := range handlers {
		wg.Add(1)
		go func(s *subscriber) {
			defer wg.Done()
			b.runIsolated(ctx, ev, s)
		}(s)
	}
	wg.Wait()
	return nil
}

// Fire dispatches the event without waiting for handlers. Errors are logged
// and re-published, never returned to the caller.
func (b *Bus) Fire(ctx context.Context, ev Event) {
	handlers, err := b.snapshot(ev)
	if err != nil {
		b.logger.Error("fire rejected", "event", ev.EventName(), "error", err)
		return
	}

	for _, s := range handlers {
		go b.runIsolated(ctx, ev, s)
	}
}

// snapshot returns the subscriber list for the event and detaches any
// once-flagged entries under the lock, guaranteeing at-most-once delivery
// even when emits race.
func (b *Bus) snapshot(ev Event) ([]*subscriber, error) {
	name := ev.EventName()
	if !knownEvents[name] {
		return nil, fmt.Errorf("unknown event %q", name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[name]
	if len(list) == 0 {
		return nil, nil
	}

	out := make([]*subscriber, len(list))
	copy(out, list)

	remaining := list[:0]
	for _, s := range list {
		if !s.once {
			remaining = append(remaining, s)
		}
	}
	b.subs[name] = remaining

	return out, nil
}

// runIsolated executes one handler, recovering panics and converting both
// panics and returned errors into capability:error events.
func (b *Bus) runIsolated(ctx context.Context, ev Event, s *subscriber) {
	defer func() {
		if r := recover(); r != nil {
			b.reportFailure(ctx, ev.EventName(), fmt.Errorf("panic: %v", r))
		}
	}()

	if err := s.fn(ctx, ev); err != nil {
		b.reportFailure(ctx, ev.EventName(), err)
	}
}

// reportFailure logs a handler failure and re-publishes it as a
// capability:error event. Failures while handling capability:error itself
// are only logged, breaking the recursion.
func (b *Bus) reportFailure(ctx context.Context, event string, err error) {
	b.logger.Error("subscriber failed", "event", event, "error", err)

	if event == EventCapabilityError {
		return
	}

	b.Fire(ctx, CapabilityError{Event: event, Err: err})
}
