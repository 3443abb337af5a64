// Package bus is the typed event fan-out for orchestrator components.
// Local subscribers are invoked synchronously in subscription order;
// cross-process delivery rides the store's pub/sub and is best-effort.
// Consumers must treat events as hints and reconcile against the store
// when correctness depends on it.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/aichestrator/internal/errs"
	"github.com/basket/aichestrator/internal/shared"
	"github.com/basket/aichestrator/internal/store"
)

// DefaultWaitTimeout bounds WaitFor when the caller passes 0.
const DefaultWaitTimeout = 30 * time.Second

// Handler consumes one event. Panics are caught and logged; they never
// interrupt the emitter.
type Handler func(Event)

// Filter narrows WaitFor to events it returns true for.
type Filter func(Event) bool

type subscriber struct {
	id      int
	types   map[EventType]struct{} // empty = all types
	handler Handler
	once    bool
}

// Bus fans events out to local handlers and mirrors them onto the store's
// pub/sub channels. A Bus with a nil store is purely local.
type Bus struct {
	store store.Store
	id    string

	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	lastTS time.Time

	bridgeOnce sync.Once
	bridgeSub  store.Subscription
}

// New creates a Bus mirroring events through st. st may be nil for a
// process-local bus (tests, workers that only consume).
func New(st store.Store) *Bus {
	return &Bus{
		store: st,
		id:    shared.NewID(),
		subs:  make(map[int]*subscriber),
	}
}

// Emit delivers the event to all matching local subscribers and publishes
// it to the mapped store channel. The timestamp is stamped here and is
// non-decreasing for any one bus.
func (b *Bus) Emit(event Event) {
	b.mu.Lock()
	now := time.Now()
	if now.Before(b.lastTS) {
		now = b.lastTS
	}
	b.lastTS = now
	event.Timestamp = now
	if event.Origin == "" {
		event.Origin = b.id
	}
	b.mu.Unlock()

	b.dispatch(event)

	if b.store == nil || event.Origin != b.id {
		return
	}
	channel := storeChannel(event.Type)
	if channel == "" {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Warn("event encode failed", "type", event.Type, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.store.Publish(ctx, channel, payload); err != nil {
		// Cross-process delivery is best-effort; local consumers already ran.
		slog.Warn("event publish failed", "type", event.Type, "error", err)
	}
}

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	matched := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if len(sub.types) > 0 {
			if _, ok := sub.types[event.Type]; !ok {
				continue
			}
		}
		matched = append(matched, sub)
	}
	b.mu.RUnlock()
	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })

	for _, sub := range matched {
		if sub.once {
			b.remove(sub.id)
		}
		b.invoke(sub, event)
	}
}

func (b *Bus) invoke(sub *subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "type", event.Type, "panic", r)
		}
	}()
	sub.handler(event)
}

func (b *Bus) add(types []EventType, handler Handler, once bool) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscriber{
		id:      b.nextID,
		types:   make(map[EventType]struct{}, len(types)),
		handler: handler,
		once:    once,
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}
	b.subs[sub.id] = sub
	id := sub.id
	return func() { b.remove(id) }
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// On subscribes handler to the given event types (none = all). The returned
// function unsubscribes.
func (b *Bus) On(handler Handler, types ...EventType) func() {
	return b.add(types, handler, false)
}

// Once subscribes handler for a single delivery.
func (b *Bus) Once(handler Handler, types ...EventType) func() {
	return b.add(types, handler, true)
}

// WaitFor blocks until an event of the given type matching filter arrives,
// or the timeout expires. A nil filter matches everything; timeout 0 uses
// DefaultWaitTimeout.
func (b *Bus) WaitFor(ctx context.Context, t EventType, filter Filter, timeout time.Duration) (Event, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	found := make(chan Event, 1)
	off := b.On(func(ev Event) {
		if filter != nil && !filter(ev) {
			return
		}
		select {
		case found <- ev:
		default:
		}
	}, t)
	defer off()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-found:
		return ev, nil
	case <-ctx.Done():
		return Event{}, errs.Timeout("wait_for", ctx.Err(), "waitFor %s interrupted", t)
	case <-timer.C:
		return Event{}, errs.Timeout("wait_for", nil, "waitFor %s expired after %s", t, timeout)
	}
}

// StartBridge subscribes to every store channel and re-emits remote events
// to local subscribers. Events published by this bus are dropped by origin.
// The bridge stops when ctx is cancelled.
func (b *Bus) StartBridge(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	var startErr error
	b.bridgeOnce.Do(func() {
		sub, err := b.store.Subscribe(ctx, store.Channels()...)
		if err != nil {
			startErr = err
			return
		}
		b.bridgeSub = sub
		go func() {
			for {
				select {
				case <-ctx.Done():
					_ = sub.Close()
					return
				case msg, ok := <-sub.Messages():
					if !ok {
						return
					}
					var ev Event
					if err := json.Unmarshal(msg.Payload, &ev); err != nil {
						slog.Warn("undecodable bus message", "channel", msg.Channel, "error", err)
						continue
					}
					if ev.Origin == b.id {
						continue
					}
					b.dispatch(ev)
				}
			}
		}()
	})
	return startErr
}

// Close drops all subscribers and the bridge subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	b.subs = make(map[int]*subscriber)
	b.mu.Unlock()
	if b.bridgeSub != nil {
		_ = b.bridgeSub.Close()
	}
}
