// Package broadcast fans notifications out from the leader tab to every tab
// of the origin, exactly once per tab.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btouchard/tabcast/internal/notification"
)

// Channel is the coordinator channel carrying notification envelopes.
const Channel = "notification"

// Coordinator is the subset of the tab coordinator the layer needs.
type Coordinator interface {
	ID() string
	IsLeader() bool
	Broadcast(ctx context.Context, channel string, payload []byte) error
	OnMessage(channel string, handler func(origin string, payload []byte)) func()
}

// SoundPolicy decides which tabs play the chime for a notification.
type SoundPolicy string

const (
	// SoundLeader plays the chime only in the tab that published it.
	SoundLeader SoundPolicy = "leader"
	// SoundEveryTab lets every tab play its own chime.
	SoundEveryTab SoundPolicy = "every_tab"
)

// ErrNotLeader is returned by Publish on a follower tab.
var ErrNotLeader = errors.New("only the leader tab publishes notifications")

// Envelope is the wire form of a broadcast notification.
type Envelope struct {
	Origin       string                    `json:"origin"`
	Seq          uint64                    `json:"seq"`
	Notification notification.Notification `json:"notification"`
	Sound        bool                      `json:"sound"`
}

// Key is the dedup key: publishing tab, its sequence number, notification id.
func (e Envelope) Key() string {
	return fmt.Sprintf("%s/%d/%s", e.Origin, e.Seq, e.Notification.ID)
}

// Delivery is a deduplicated notification handed to subscribers.
type Delivery struct {
	Key          string
	Origin       string
	Seq          uint64
	Notification notification.Notification
	// PlaySound is set when this tab is responsible for the chime.
	PlaySound bool
}

// Handler receives deliveries.
type Handler func(Delivery)

// Options configures a Layer.
type Options struct {
	SoundPolicy SoundPolicy
	// SeenCapacity bounds the number of remembered dedup keys.
	SeenCapacity int
	// Now seeds the sequence, so a tab restarted under the same id keeps
	// issuing higher sequence numbers. Defaults to time.Now.
	Now func() time.Time
}

// Layer is one tab's view of the notification broadcast.
type Layer struct {
	coord  Coordinator
	policy SoundPolicy
	logger *slog.Logger
	seq    atomic.Uint64

	mu       sync.Mutex
	seen     *keySet
	handlers map[int]Handler
	order    []int
	nextID   int

	unsubscribe func()
}

// New attaches a Layer to the coordinator's notification channel.
func New(coord Coordinator, opts Options) *Layer {
	if opts.SoundPolicy == "" {
		opts.SoundPolicy = SoundLeader
	}
	if opts.SeenCapacity <= 0 {
		opts.SeenCapacity = 4096
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	l := &Layer{
		coord:    coord,
		policy:   opts.SoundPolicy,
		logger:   slog.With("component", "broadcast", "tab", coord.ID()),
		seen:     newKeySet(opts.SeenCapacity),
		handlers: make(map[int]Handler),
	}
	l.seq.Store(uint64(opts.Now().UnixNano()))
	l.unsubscribe = coord.OnMessage(Channel, l.receive)
	return l
}

// Publish broadcasts n to every other tab, then applies it locally. Only the
// leader publishes. A failed broadcast is returned after the local apply.
func (l *Layer) Publish(ctx context.Context, n notification.Notification) error {
	if !l.coord.IsLeader() {
		return ErrNotLeader
	}

	env := Envelope{Origin: l.coord.ID(), Seq: l.seq.Add(1), Notification: n, Sound: n.Sound}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	berr := l.coord.Broadcast(ctx, Channel, payload)
	l.apply(env, true)

	if berr != nil {
		return fmt.Errorf("broadcasting notification %s: %w", n.ID, berr)
	}
	return nil
}

// Subscribe registers h; it is called once per distinct dedup key, in the
// order the layer observed them. The returned func unsubscribes.
func (l *Layer) Subscribe(h Handler) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	id := l.nextID
	l.handlers[id] = h
	l.order = append(l.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.handlers, id)
			for i, v := range l.order {
				if v == id {
					l.order = append(l.order[:i], l.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Close detaches the layer from the coordinator.
func (l *Layer) Close() {
	if l.unsubscribe != nil {
		l.unsubscribe()
	}
}

func (l *Layer) receive(origin string, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		l.logger.Warn("dropping malformed envelope", "origin", origin, "error", err)
		return
	}
	if env.Origin == "" {
		env.Origin = origin
	}
	if env.Notification.ID == "" {
		l.logger.Warn("dropping envelope without notification id", "origin", origin, "seq", env.Seq)
		return
	}
	l.apply(env, false)
}

func (l *Layer) apply(env Envelope, local bool) {
	key := env.Key()

	l.mu.Lock()
	if !l.seen.add(key) {
		l.mu.Unlock()
		l.logger.Debug("dropping replayed notification", "key", key)
		return
	}
	handlers := make([]Handler, 0, len(l.order))
	for _, id := range l.order {
		handlers = append(handlers, l.handlers[id])
	}
	l.mu.Unlock()

	d := Delivery{
		Key:          key,
		Origin:       env.Origin,
		Seq:          env.Seq,
		Notification: env.Notification,
		PlaySound:    env.Sound && (local || l.policy == SoundEveryTab),
	}
	for _, h := range handlers {
		h(d)
	}
}
