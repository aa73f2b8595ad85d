// Package bus provides same-origin cross-tab message delivery. A message
// published by one tab reaches every other open tab of the origin; the
// sender does not receive its own messages.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Message is one broadcast between tabs.
type Message struct {
	Origin  string
	Topic   string
	Payload []byte
}

// Handler receives messages for a topic. Handlers of one endpoint run
// sequentially, in delivery order.
type Handler func(Message)

// Bus is a tab's endpoint on the origin's broadcast channel.
type Bus interface {
	// Publish delivers payload to every other tab. Delivery is at most once.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers h for topic and returns its unsubscribe func.
	Subscribe(topic string, h Handler) (unsubscribe func())
	// Close detaches the endpoint and discards undelivered messages.
	Close() error
}

// ErrClosed is returned when publishing on a closed endpoint.
var ErrClosed = errors.New("bus endpoint closed")

// router keeps topic subscriptions for one endpoint.
type router struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler
}

func newRouter() *router {
	return &router{subs: make(map[string]map[int]Handler)}
}

func (r *router) subscribe(topic string, h Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	if r.subs[topic] == nil {
		r.subs[topic] = make(map[int]Handler)
	}
	r.subs[topic][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs[topic], id)
			if len(r.subs[topic]) == 0 {
				delete(r.subs, topic)
			}
			r.mu.Unlock()
		})
	}
}

func (r *router) dispatch(m Message) {
	r.mu.RLock()
	handlers := make([]Handler, 0, len(r.subs[m.Topic]))
	for _, h := range r.subs[m.Topic] {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		r.safeCall(h, m)
	}
}

func (r *router) safeCall(h Handler, m Message) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("bus handler panicked", "topic", m.Topic, "origin", m.Origin, "panic", rec)
		}
	}()
	h(m)
}
