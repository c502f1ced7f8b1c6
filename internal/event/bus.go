// Package event provides a pub/sub event system for the session engine,
// built on watermill. Unlike a bare fan-out, each subscriber drains its own
// ordered queue so that events delivered to any single subscriber preserve
// publish order even when publishers race with each other.
package event

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// EventType identifies the kind of event carried by an Event envelope.
type EventType string

const (
	SessionCreated     EventType = "session.created"
	SessionUpdated     EventType = "session.updated"
	SessionDeleted     EventType = "session.deleted"
	SessionIdle        EventType = "session.idle"
	SessionError       EventType = "session.error"
	MessageCreated     EventType = "message.created"
	MessageUpdated     EventType = "message.updated"
	MessageRemoved     EventType = "message.removed"
	PartUpdated        EventType = "message.part.updated"
	PartRemoved        EventType = "message.part.removed"
	FileEdited         EventType = "file.edited"
	TodoUpdated        EventType = "todo.updated"
	PermissionRequired EventType = "permission.updated"
	PermissionResolved EventType = "permission.replied"
)

// Event is one message published on the bus.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// Subscriber receives events delivered to it in publish order.
type Subscriber func(event Event)

// defaultStreamBuffer bounds how many undelivered events a slow subscriber
// may queue before new events start overwriting the oldest queued one and a
// ".dropped" marker event is emitted in its place.
const defaultStreamBuffer = 256

// stream is a single subscriber's ordered event queue plus the goroutine
// that drains it. Publish never blocks on a slow subscriber: once the ring
// fills, the oldest undelivered event is dropped and the new event is queued
// as a "<type>.dropped" marker carrying its data.
type stream struct {
	id     uint64
	fn     Subscriber
	ch     chan Event
	cancel context.CancelFunc
	done   chan struct{}
}

func newStream(id uint64, fn Subscriber, buffer int) *stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &stream{
		id:     id,
		fn:     fn,
		ch:     make(chan Event, buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.drain(ctx)
	return s
}

func (s *stream) drain(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.ch:
			s.fn(ev)
		}
	}
}

// enqueue delivers ev to the stream without blocking. When the stream's
// buffer is full, the oldest queued event is discarded and a synthetic
// dropped-marker event is enqueued in its place so subscribers can detect
// loss instead of silently missing updates.
func (s *stream) enqueue(ev Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}

	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- Event{Type: EventType(string(ev.Type) + ".dropped"), Data: ev.Data}:
	default:
	}
}

func (s *stream) close() {
	s.cancel()
	<-s.done
}

// Bus is the event bus. It keeps watermill's gochannel as the underlying
// transport object for middleware/routing use cases, while delivery to
// direct subscribers goes through the per-subscriber stream above to
// preserve per-subscriber ordering.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel

	byType map[EventType][]*stream
	global []*stream

	nextID uint64
	closed bool
}

var globalBus = NewBus()

// NewBus creates a new, independent event bus.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: defaultStreamBuffer,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		byType: make(map[EventType][]*stream),
	}
}

func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// Subscribe registers fn for events of the given type. The returned func
// unsubscribes and stops fn's drain goroutine.
func Subscribe(t EventType, fn Subscriber) func() { return globalBus.Subscribe(t, fn) }

func (b *Bus) Subscribe(t EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	s := newStream(b.newID(), fn, defaultStreamBuffer)
	b.byType[t] = append(b.byType[t], s)
	return func() { b.remove(t, s.id) }
}

// SubscribeAll registers fn for every event type.
func SubscribeAll(fn Subscriber) func() { return globalBus.SubscribeAll(fn) }

func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	s := newStream(b.newID(), fn, defaultStreamBuffer)
	b.global = append(b.global, s)
	return func() { b.removeGlobal(s.id) }
}

func (b *Bus) remove(t EventType, id uint64) {
	b.mu.Lock()
	subs := b.byType[t]
	var target *stream
	for i, s := range subs {
		if s.id == id {
			target = s
			b.byType[t] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	if target != nil {
		target.close()
	}
}

func (b *Bus) removeGlobal(id uint64) {
	b.mu.Lock()
	var target *stream
	for i, s := range b.global {
		if s.id == id {
			target = s
			b.global = append(b.global[:i], b.global[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	if target != nil {
		target.close()
	}
}

// Publish hands ev to every matching subscriber's stream. It never blocks:
// a slow subscriber loses its oldest undelivered event rather than stalling
// the publisher.
func Publish(ev Event) { globalBus.Publish(ev) }

func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.byType[ev.Type] {
		s.enqueue(ev)
	}
	for _, s := range b.global {
		s.enqueue(ev)
	}
}

// PublishSync delivers ev to every matching subscriber by calling it
// directly in the caller's goroutine, bypassing the per-subscriber queue.
// Callers that need a guarantee the event has been observed before
// PublishSync returns (tests, deterministic sequencing in compaction and
// the turn engine) use this instead of Publish. Subscribers reached through
// PublishSync must be quick and must not re-enter Publish/PublishSync.
func PublishSync(ev Event) { globalBus.PublishSync(ev) }

func (b *Bus) PublishSync(ev Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]Subscriber, 0, len(b.byType[ev.Type])+len(b.global))
	for _, s := range b.byType[ev.Type] {
		subs = append(subs, s.fn)
	}
	for _, s := range b.global {
		subs = append(subs, s.fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// Reset tears down the global bus and installs a fresh one. Intended for
// test isolation.
func Reset() {
	old := globalBus
	globalBus = NewBus()
	_ = old.Close()
}

// Close stops every subscriber stream and the underlying pubsub transport.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	byType := b.byType
	global := b.global
	b.byType = make(map[EventType][]*stream)
	b.global = nil
	b.mu.Unlock()

	for _, subs := range byType {
		for _, s := range subs {
			s.close()
		}
	}
	for _, s := range global {
		s.close()
	}
	return b.pubsub.Close()
}

// PubSub returns the bus's underlying watermill transport, for components
// that need routing/middleware rather than direct subscription.
func (b *Bus) PubSub() *gochannel.GoChannel { return b.pubsub }

// PubSub returns the global bus's underlying watermill transport.
func PubSub() *gochannel.GoChannel { return globalBus.PubSub() }
