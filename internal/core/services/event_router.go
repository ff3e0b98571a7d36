package services

import (
	"sync"

	"meshcall/internal/core/domain"

	"go.uber.org/zap"
)

// Topic is a typed fan-out channel. Publish never blocks: a subscriber
// whose buffer is full misses the event and a warning is logged.
type Topic[T any] struct {
	name   string
	buffer int
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	nextID int
	subs   map[int]chan T
	closed bool
}

func newTopic[T any](name string, buffer int, logger *zap.SugaredLogger) *Topic[T] {
	return &Topic[T]{
		name:   name,
		buffer: buffer,
		logger: logger,
		subs:   make(map[int]chan T),
	}
}

// Subscribe returns a receive channel and a function that unsubscribes and
// closes it.
func (t *Topic[T]) Subscribe() (<-chan T, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan T, t.buffer)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if sub, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(sub)
			}
		})
	}
}

func (t *Topic[T]) Publish(event T) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for id, ch := range t.subs {
		select {
		case ch <- event:
		default:
			t.logger.Warnw("event dropped, subscriber buffer full", "topic", t.name, "subscriber", id)
		}
	}
}

func (t *Topic[T]) close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}

// EventRouter delivers session changes to the UI layer, one topic per
// event category.
type EventRouter struct {
	Presence  *Topic[domain.PresenceEvent]
	Media     *Topic[domain.MediaEvent]
	Speaking  *Topic[domain.SpeakingEvent]
	Pin       *Topic[domain.PinEvent]
	Transport *Topic[domain.TransportEvent]
	Signaling *Topic[domain.SignalingEvent]
}

func NewEventRouter(buffer int, logger *zap.SugaredLogger) *EventRouter {
	if buffer <= 0 {
		buffer = 64
	}
	return &EventRouter{
		Presence:  newTopic[domain.PresenceEvent]("presence", buffer, logger),
		Media:     newTopic[domain.MediaEvent]("media", buffer, logger),
		Speaking:  newTopic[domain.SpeakingEvent]("speaking", buffer, logger),
		Pin:       newTopic[domain.PinEvent]("pin", buffer, logger),
		Transport: newTopic[domain.TransportEvent]("transport", buffer, logger),
		Signaling: newTopic[domain.SignalingEvent]("signaling", buffer, logger),
	}
}

// Close closes every subscriber channel. Later publishes are no-ops.
func (r *EventRouter) Close() {
	r.Presence.close()
	r.Media.close()
	r.Speaking.close()
	r.Pin.close()
	r.Transport.close()
	r.Signaling.close()
}
