package event

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/memohai/omnibox/internal/message"
)

// EventTypeNewMessage is emitted once a message is durable.
const EventTypeNewMessage = "new_message"

// DefaultBuffer is the per-subscriber queue size used when none is given.
const DefaultBuffer = 64

// Event is one fan-out notification. OwnerID is the user the room was
// attributed to; the hub itself never filters on it.
type Event struct {
	Type    string
	OwnerID string
	Message message.Message
}

// Publisher accepts events for fan-out.
type Publisher interface {
	Publish(evt Event)
}

// DropObserver is told when a subscriber misses an event because its buffer is full.
type DropObserver func(subscriberID string, evt Event)

type subscriber struct {
	ch   chan Event
	once sync.Once
}

// Hub is the process-wide publish point. Every subscriber sees every event.
type Hub struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed atomic.Bool
	onDrop DropObserver
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		logger: log.With(slog.String("component", "event_hub")),
		subs:   map[string]*subscriber{},
	}
}

// OnDrop registers a callback for events dropped on slow subscribers.
func (h *Hub) OnDrop(fn DropObserver) {
	h.mu.Lock()
	h.onDrop = fn
	h.mu.Unlock()
}

// Subscribe registers a new subscriber. The returned cancel func removes it
// and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(buffer int) (string, <-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	id := uuid.NewString()
	sub := &subscriber{ch: make(chan Event, buffer)}
	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		close(sub.ch)
		return id, sub.ch, func() {}
	}
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
	}
	return id, sub.ch, cancel
}

// Publish delivers evt to every subscriber without blocking.
func (h *Hub) Publish(evt Event) {
	if h.closed.Load() {
		return
	}
	if evt.Type == "" {
		evt.Type = EventTypeNewMessage
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, sub := range h.subs {
		select {
		case sub.ch <- evt:
		default:
			h.logger.Warn("subscriber buffer full, event dropped",
				slog.String("subscriber_id", id),
				slog.String("message_id", evt.Message.ID),
			)
			if h.onDrop != nil {
				h.onDrop(id, evt)
			}
		}
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close removes every subscriber and rejects further publishes.
func (h *Hub) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		sub.once.Do(func() { close(sub.ch) })
		delete(h.subs, id)
	}
}
