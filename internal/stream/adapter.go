// Package stream owns the push connection to the notification server. Only
// the leader tab keeps it open.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/btouchard/tabcast/internal/clock"
	"github.com/btouchard/tabcast/internal/coordinator"
	"github.com/btouchard/tabcast/internal/notification"
)

// EventName is the only event type the adapter parses.
const EventName = "notification"

// State is the connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

var errStreamClosed = errors.New("stream closed by server")

// Publisher receives every parsed notification.
type Publisher interface {
	Publish(ctx context.Context, n notification.Notification) error
}

// Options configures an Adapter.
type Options struct {
	// Root is the server base URL; the stream is read from Root + Path.
	Root string
	Path string
	// Token, when set, is sent as a bearer token.
	Token  string
	Client *http.Client

	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
	Clock       clock.Clock
}

func (o *Options) applyDefaults() {
	if o.Path == "" {
		o.Path = "/events"
	}
	if o.Client == nil {
		o.Client = &http.Client{}
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = max(30*time.Second, o.MinBackoff)
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
}

// run is one connect loop, started on a leadership gain.
type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Adapter connects to the push stream while its tab leads.
type Adapter struct {
	url       string
	opts      Options
	publisher Publisher
	logger    *slog.Logger

	mu          sync.Mutex
	state       State
	current     *run
	lastEventID string
	observers   []func(State)
}

// New validates the stream URL and returns an idle Adapter.
func New(pub Publisher, opts Options) (*Adapter, error) {
	opts.applyDefaults()
	u, err := url.Parse(strings.TrimRight(opts.Root, "/") + opts.Path)
	if err != nil {
		return nil, fmt.Errorf("parsing stream url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("stream url %q: scheme must be http or https", u.String())
	}
	return &Adapter{
		url:       u.String(),
		opts:      opts,
		publisher: pub,
		logger:    slog.With("component", "stream"),
	}, nil
}

// URL returns the stream endpoint.
func (a *Adapter) URL() string { return a.url }

// State returns the current connection state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// OnStateChange registers fn for every state transition.
func (a *Adapter) OnStateChange(fn func(State)) {
	a.mu.Lock()
	a.observers = append(a.observers, fn)
	a.mu.Unlock()
}

// OnLeadershipChange starts the connect loop on leadership gain and tears
// it down on loss. It never blocks.
func (a *Adapter) OnLeadershipChange(role coordinator.Role) {
	if role == coordinator.RoleLeader {
		a.start()
		return
	}
	a.stop()
}

// Close stops the connect loop and waits for it to exit.
func (a *Adapter) Close() {
	if r := a.stop(); r != nil {
		<-r.done
	}
}

func (a *Adapter) start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		select {
		case <-a.current.done:
		default:
			return
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}
	a.current = r
	go a.loop(ctx, r)
}

func (a *Adapter) stop() *run {
	a.mu.Lock()
	r := a.current
	a.current = nil
	a.mu.Unlock()
	if r != nil {
		r.cancel()
	}
	return r
}

func (a *Adapter) setState(r *run, s State) {
	a.mu.Lock()
	if a.current != r && (s != Disconnected || a.current != nil) {
		a.mu.Unlock()
		return
	}
	if a.state == s {
		a.mu.Unlock()
		return
	}
	a.state = s
	observers := append([]func(State){}, a.observers...)
	a.mu.Unlock()

	for _, fn := range observers {
		fn(s)
	}
}

func (a *Adapter) loop(ctx context.Context, r *run) {
	defer close(r.done)
	defer a.setState(r, Disconnected)

	b := &backoff.Backoff{
		Min:    a.opts.MinBackoff,
		Max:    a.opts.MaxBackoff,
		Factor: 2,
		Jitter: true,
	}
	failures := 0

	for {
		a.setState(r, Connecting)
		connected, err := a.consume(ctx, r)
		if ctx.Err() != nil {
			a.logger.Debug("stream released", "url", a.url)
			return
		}
		a.setState(r, Disconnected)

		if connected {
			b.Reset()
			failures = 0
		} else {
			failures++
		}
		if failures >= a.opts.MaxAttempts {
			a.logger.Error("giving up on stream until next leadership change", "url", a.url, "attempts", failures, "error", err)
			return
		}

		wait := b.Duration()
		a.logger.Warn("stream disconnected, retrying", "url", a.url, "in", wait, "error", err)
		if !a.sleep(ctx, wait) {
			return
		}
	}
}

func (a *Adapter) sleep(ctx context.Context, d time.Duration) bool {
	fired := make(chan struct{})
	t := a.opts.Clock.AfterFunc(d, func() { close(fired) })
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-fired:
		return true
	}
}

// consume reads one connection until it ends. connected reports whether
// the server accepted the stream.
func (a *Adapter) consume(ctx context.Context, r *run) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return false, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if a.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.opts.Token)
	}
	a.mu.Lock()
	if a.lastEventID != "" {
		req.Header.Set("Last-Event-ID", a.lastEventID)
	}
	a.mu.Unlock()

	resp, err := a.opts.Client.Do(req)
	if err != nil {
		return false, fmt.Errorf("connecting: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/event-stream" {
		return false, fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}

	a.setState(r, Connected)
	a.logger.Info("stream connected", "url", a.url)

	scanner := NewScanner(resp.Body)
	for scanner.Next() {
		ev := scanner.Event()
		if ev.ID != "" {
			a.mu.Lock()
			a.lastEventID = ev.ID
			a.mu.Unlock()
		}
		if ev.Type != EventName {
			continue
		}
		a.handle(ctx, ev)
	}
	if err := scanner.Err(); err != nil {
		return true, fmt.Errorf("reading stream: %w", err)
	}
	return true, errStreamClosed
}

func (a *Adapter) handle(ctx context.Context, ev Event) {
	n, err := notification.Parse([]byte(ev.Data))
	if err != nil {
		a.logger.Warn("dropping malformed notification", "error", err, "data", ev.Data)
		return
	}
	if err := a.publisher.Publish(ctx, n); err != nil {
		a.logger.Warn("notification not published", "id", n.ID, "error", err)
	}
}
