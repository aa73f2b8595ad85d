package bus

import (
	"context"
	"log/slog"
	"sync"
)

const inboxSize = 1024

// Hub is an in-process origin: every endpoint joined to the same Hub sees
// the others' messages. It stands in for a browser's BroadcastChannel when
// several tabs live in one process.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

// NewHub creates an empty origin.
func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]*Endpoint)}
}

// Join attaches a new endpoint for the tab id. Joining with an id that is
// already present replaces the previous endpoint, which is closed.
func (h *Hub) Join(id string) *Endpoint {
	e := &Endpoint{
		id:     id,
		hub:    h,
		router: newRouter(),
		inbox:  make(chan Message, inboxSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	prev := h.endpoints[id]
	h.endpoints[id] = e
	h.mu.Unlock()

	if prev != nil {
		prev.shutdown()
	}

	go e.loop()
	return e
}

// Size returns the number of attached endpoints.
func (h *Hub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.endpoints)
}

func (h *Hub) deliver(m Message) {
	h.mu.RLock()
	targets := make([]*Endpoint, 0, len(h.endpoints))
	for id, e := range h.endpoints {
		if id != m.Origin {
			targets = append(targets, e)
		}
	}
	h.mu.RUnlock()

	for _, e := range targets {
		e.enqueue(m)
	}
}

func (h *Hub) leave(e *Endpoint) {
	h.mu.Lock()
	if h.endpoints[e.id] == e {
		delete(h.endpoints, e.id)
	}
	h.mu.Unlock()
}

// Endpoint is one tab's attachment to a Hub.
type Endpoint struct {
	id     string
	hub    *Hub
	router *router

	inbox     chan Message
	done      chan struct{}
	closeOnce sync.Once
}

var _ Bus = (*Endpoint)(nil)

// Publish hands the message to every other endpoint's inbox. A full inbox
// drops the message.
func (e *Endpoint) Publish(ctx context.Context, topic string, payload []byte) error {
	select {
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	e.hub.deliver(Message{Origin: e.id, Topic: topic, Payload: buf})
	return nil
}

// Subscribe registers h for topic.
func (e *Endpoint) Subscribe(topic string, h Handler) func() {
	return e.router.subscribe(topic, h)
}

// Close detaches the endpoint from its hub.
func (e *Endpoint) Close() error {
	e.hub.leave(e)
	e.shutdown()
	return nil
}

func (e *Endpoint) shutdown() {
	e.closeOnce.Do(func() { close(e.done) })
}

func (e *Endpoint) enqueue(m Message) {
	select {
	case <-e.done:
		return
	default:
	}
	select {
	case e.inbox <- m:
	default:
		slog.Warn("bus inbox full, dropping message", "tab", e.id, "topic", m.Topic)
	}
}

func (e *Endpoint) loop() {
	for {
		select {
		case <-e.done:
			return
		case m := <-e.inbox:
			select {
			case <-e.done:
				return
			default:
			}
			e.router.dispatch(m)
		}
	}
}
