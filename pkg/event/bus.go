// Package event is the outbound publish-subscribe surface of the core.
// Handlers run asynchronously; the core makes no assumption about how many
// subscribers exist or whether any exist.
package event

import (
	"context"
	"sync"
	"time"
)

// Type names an event category.
type Type string

const (
	TypeJobStateChanged Type = "job_state_changed"
	TypeProgressUpdated Type = "progress_updated"
	TypeAlertRaised     Type = "alert_raised"
)

// Event is one published record.
type Event struct {
	Type      Type
	Timestamp time.Time
	Data      any
}

// Handler consumes a published event.
type Handler func(ctx context.Context, ev Event)

// Bus fans events out to type-keyed handlers and filtered streams.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	streams  []*stream
	closed   bool
}

type stream struct {
	pred func(Event) bool
	ch   chan Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Type][]Handler)}
}

// Subscribe registers a handler for one event type. Handlers run on their
// own goroutine per publish; slow handlers do not block the publisher.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Stream returns a channel receiving every event matching the predicate
// (nil matches all). The channel is buffered; events are dropped for a
// consumer that stops draining rather than stalling the core. The channel
// closes when ctx is cancelled or the bus closes.
func (b *Bus) Stream(ctx context.Context, pred func(Event) bool) <-chan Event {
	s := &stream{pred: pred, ch: make(chan Event, 64)}

	b.mu.Lock()
	b.streams = append(b.streams, s)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.removeStream(s)
	}()
	return s.ch
}

func (b *Bus) removeStream(s *stream) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.streams {
		if cur == s {
			b.streams = append(b.streams[:i], b.streams[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// Publish dispatches an event to all matching subscribers. Publishing with
// no subscribers is a no-op.
func (b *Bus) Publish(ctx context.Context, t Type, data any) {
	ev := Event{Type: t, Timestamp: time.Now().UTC(), Data: data}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := b.handlers[t]
	streams := make([]*stream, len(b.streams))
	copy(streams, b.streams)
	b.mu.RUnlock()

	for _, h := range handlers {
		go h(ctx, ev)
	}
	for _, s := range streams {
		if s.pred != nil && !s.pred(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			// consumer stopped draining; drop rather than stall
		}
	}
}

// Close shuts the bus down and closes all stream channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.streams {
		close(s.ch)
	}
	b.streams = nil
}
