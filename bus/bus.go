// Package bus provides the ordered, synchronous event fan-out that decouples
// the connection core from its consumers (display layers, loggers, state
// caches). Events are dispatched in subscription order on the publisher's
// goroutine and are not retained after dispatch.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Type tags an event variant.
type Type string

const (
	ChannelJoined   Type = "channel_joined"
	ChannelLeft     Type = "channel_left"
	ConnectionError Type = "connection_error"
	ConnectionLost  Type = "connection_lost"
	MessageReceived Type = "message_received"
	MessageSent     Type = "message_sent"
	AuthSuccess     Type = "auth_success"
	AuthFailed      Type = "auth_failed"
	Error           Type = "error"
)

// Event is one published occurrence. Payload is variant-specific and owned by
// the consumers after dispatch.
type Event struct {
	Type    Type
	Channel string
	Payload any
	At      time.Time
}

// Handler consumes one event. Handlers run synchronously; a slow handler
// delays dispatch to the rest.
type Handler func(Event)

type subscription struct {
	id      uint64
	types   map[Type]bool // nil means all types
	handler Handler
}

// Bus fans events out to registered handlers. Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

// New returns an empty bus.
func New() *Bus { return &Bus{} }

// Subscribe registers h for the given types (all types when none are named)
// and returns a function that removes the registration.
func (b *Bus) Subscribe(h Handler, types ...Type) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := subscription{id: b.nextID, handler: h}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.subs = append(b.subs, sub)
	id := sub.id
	return func() { b.remove(id) }
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish dispatches ev to every matching handler in subscription order.
// Each handler invocation is isolated: a panicking handler is logged and
// skipped so it cannot stop dispatch to the rest.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.types != nil && !s.types[ev.Type] {
			continue
		}
		dispatch(s.handler, ev)
	}
}

func dispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", slog.String("type", string(ev.Type)), slog.String("channel", ev.Channel), slog.Any("panic", r))
		}
	}()
	h(ev)
}
