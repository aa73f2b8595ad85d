// Package coordinator elects exactly one leader among the tabs of an
// origin and carries cross-tab messages for the layers above it.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/btouchard/tabcast/internal/bus"
	"github.com/btouchard/tabcast/internal/clock"
)

const (
	topicHeartbeat = "coord.heartbeat"
	topicClaim     = "coord.claim"
	topicResign    = "coord.resign"
	appPrefix      = "app."

	// LeaderKey is the store key mirroring the current leader.
	LeaderKey = "coordinator.leader"
)

// LeaderRecorder persists the leader record for out-of-band inspection.
type LeaderRecorder interface {
	PutValue(key, value string) error
}

// LeaderRecord is the JSON document stored under LeaderKey.
type LeaderRecord struct {
	Tab      string    `json:"tab"`
	Term     uint64    `json:"term"`
	Since    time.Time `json:"since"`
	Interval string    `json:"heartbeat_interval"`
}

// Options configures a Coordinator.
type Options struct {
	// ID identifies the tab; a random UUID when empty.
	ID                string
	HeartbeatInterval time.Duration
	MissedHeartbeats  int
	ClaimWindow       time.Duration
	Clock             clock.Clock
	Recorder          LeaderRecorder
}

func (o *Options) applyDefaults() {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = time.Second
	}
	if o.MissedHeartbeats < 1 {
		o.MissedHeartbeats = 3
	}
	if o.ClaimWindow <= 0 {
		o.ClaimWindow = 250 * time.Millisecond
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
}

// Coordinator runs the election for one tab. All election work, including
// leadership callbacks, happens on the goroutine executing Run.
type Coordinator struct {
	bus      bus.Bus
	clock    clock.Clock
	recorder LeaderRecorder
	opts     Options
	logger   *slog.Logger

	mu        sync.Mutex
	election  *Election
	listeners []func(Role)
	running   bool
	leaderAt  time.Time

	events chan func()
	done   chan struct{}
}

// New creates a Coordinator publishing on b.
func New(b bus.Bus, opts Options) *Coordinator {
	opts.applyDefaults()
	timing := Timing{
		HeartbeatInterval: opts.HeartbeatInterval,
		HeartbeatTimeout:  time.Duration(opts.MissedHeartbeats) * opts.HeartbeatInterval,
		ClaimWindow:       opts.ClaimWindow,
	}
	return &Coordinator{
		bus:      b,
		clock:    opts.Clock,
		recorder: opts.Recorder,
		opts:     opts,
		logger:   slog.With("component", "coordinator", "tab", opts.ID),
		election: NewElection(opts.ID, uuid.NewString(), timing, randomJitter, opts.Clock.Now()),
		events:   make(chan func(), 256),
		done:     make(chan struct{}),
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// ID returns the tab id.
func (c *Coordinator) ID() string { return c.opts.ID }

// Role returns the tab's current role.
func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.election.Role()
}

// IsLeader reports whether this tab currently leads.
func (c *Coordinator) IsLeader() bool { return c.Role() == RoleLeader }

// LeaderID returns the id of the known leader, empty if none.
func (c *Coordinator) LeaderID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.election.Leader()
}

// OnLeadershipChange registers fn to receive the role at startup and on
// every flip. Registering after Run started delivers the current role
// right away, on the Run goroutine.
func (c *Coordinator) OnLeadershipChange(fn func(Role)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	running := c.running
	c.mu.Unlock()

	if running {
		c.enqueue(func() { fn(c.Role()) })
	}
}

// Broadcast sends payload on channel to every other tab, whatever the role.
func (c *Coordinator) Broadcast(ctx context.Context, channel string, payload []byte) error {
	return c.bus.Publish(ctx, appPrefix+channel, payload)
}

// OnMessage registers handler for payloads broadcast on channel by other
// tabs. The returned func unsubscribes.
func (c *Coordinator) OnMessage(channel string, handler func(origin string, payload []byte)) func() {
	return c.bus.Subscribe(appPrefix+channel, func(m bus.Message) {
		handler(m.Origin, m.Payload)
	})
}

// Run participates in elections until ctx is done. On exit a leader
// announces its resignation so the survivors re-elect without waiting for
// the heartbeat timeout.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("coordinator %s already running", c.opts.ID)
	}
	c.running = true
	initial := c.election.Role()
	listeners := append([]func(Role){}, c.listeners...)
	c.mu.Unlock()
	defer close(c.done)

	unsubs := []func(){
		c.bus.Subscribe(topicHeartbeat, decode(c, func(now time.Time, hb Heartbeat) Output {
			return c.election.OnHeartbeat(now, hb)
		})),
		c.bus.Subscribe(topicClaim, decode(c, func(now time.Time, cl Claim) Output {
			return c.election.OnClaim(now, cl)
		})),
		c.bus.Subscribe(topicResign, decode(c, func(now time.Time, r Resign) Output {
			return c.election.OnResign(now, r)
		})),
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	c.logger.Info("tab joined", "role", string(initial))
	for _, fn := range listeners {
		fn(initial)
	}

	ticker := c.clock.NewTicker(c.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case <-ticker.C:
			c.step(func(now time.Time) Output { return c.election.Tick(now) })
		case ev := <-c.events:
			ev()
		}
	}
}

// Done is closed once Run has returned.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

func (c *Coordinator) tickInterval() time.Duration {
	d := min(c.opts.HeartbeatInterval, c.opts.ClaimWindow) / 2
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

// decode turns a control-topic payload into a serialized election step.
func decode[T any](c *Coordinator, apply func(time.Time, T) Output) bus.Handler {
	return func(m bus.Message) {
		var msg T
		if err := json.Unmarshal(m.Payload, &msg); err != nil {
			c.logger.Warn("dropping malformed control message", "topic", m.Topic, "origin", m.Origin, "error", err)
			return
		}
		c.enqueue(func() {
			c.step(func(now time.Time) Output { return apply(now, msg) })
		})
	}
}

func (c *Coordinator) enqueue(fn func()) {
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

// step applies one election transition and carries out its output.
func (c *Coordinator) step(transition func(now time.Time) Output) {
	now := c.clock.Now()

	c.mu.Lock()
	before := c.election.Role()
	out := transition(now)
	after := c.election.Role()
	term := c.election.Term()
	hb := c.election.Heartbeat()
	claim := c.election.Claim()
	if out.RoleChanged && after == RoleLeader {
		c.leaderAt = now
	}
	leaderAt := c.leaderAt
	listeners := append([]func(Role){}, c.listeners...)
	c.mu.Unlock()

	ctx := context.Background()
	if out.SendClaim {
		c.logger.Debug("claiming leadership", "term", claim.Rank.Term)
		c.publish(ctx, topicClaim, claim)
	}
	if out.SendHeartbeat {
		c.publish(ctx, topicHeartbeat, hb)
		c.record(LeaderRecord{Tab: c.opts.ID, Term: term, Since: leaderAt, Interval: c.opts.HeartbeatInterval.String()})
	}
	if out.SendResign {
		c.publish(ctx, topicResign, Resign{Leader: c.opts.ID})
	}

	if out.RoleChanged && before != after {
		c.logger.Info("leadership changed", "role", string(after), "term", term)
		for _, fn := range listeners {
			fn(after)
		}
	}
}

func (c *Coordinator) shutdown() {
	c.step(func(now time.Time) Output { return c.election.Resign(now) })
	c.logger.Info("tab left")
}

func (c *Coordinator) publish(ctx context.Context, topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("encoding control message", "topic", topic, "error", err)
		return
	}
	if err := c.bus.Publish(ctx, topic, payload); err != nil {
		c.logger.Debug("control message not sent", "topic", topic, "error", err)
	}
}

func (c *Coordinator) record(rec LeaderRecord) {
	if c.recorder == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := c.recorder.PutValue(LeaderKey, string(data)); err != nil {
		c.logger.Debug("recording leader failed", "error", err)
	}
}
