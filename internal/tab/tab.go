// Package tab assembles one participant of an origin: election, push
// stream, broadcast and presentation.
package tab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/btouchard/tabcast/internal/audio"
	"github.com/btouchard/tabcast/internal/broadcast"
	"github.com/btouchard/tabcast/internal/bus"
	"github.com/btouchard/tabcast/internal/clock"
	"github.com/btouchard/tabcast/internal/config"
	"github.com/btouchard/tabcast/internal/coordinator"
	"github.com/btouchard/tabcast/internal/notify"
	"github.com/btouchard/tabcast/internal/presenter"
	"github.com/btouchard/tabcast/internal/store"
	"github.com/btouchard/tabcast/internal/stream"
)

// Options holds the collaborators of a Tab. Bus and Surface are required.
type Options struct {
	ID      string
	Config  *config.Config
	Bus     bus.Bus
	Store   store.Store
	Surface presenter.Surface
	// Player overrides the chime player built from the sound config.
	Player    audio.Player
	Notifiers []notify.Notifier
	Clock     clock.Clock
	Client    *http.Client
}

// Status is a snapshot of a tab for status reports.
type Status struct {
	Tab        string    `json:"tab"`
	Role       string    `json:"role"`
	Leader     string    `json:"leader"`
	Stream     string    `json:"stream"`
	Audio      string    `json:"audio"`
	Permission string    `json:"permission"`
	Unread     int       `json:"unread"`
	Active     int       `json:"active"`
	StartedAt  time.Time `json:"started_at"`
}

// Tab is one running participant.
type Tab struct {
	id        string
	cfg       *config.Config
	clock     clock.Clock
	store     store.Store
	coord     *coordinator.Coordinator
	layer     *broadcast.Layer
	adapter   *stream.Adapter
	presenter *presenter.Presenter
	unlocker  *audio.Unlocker
	bridge    *notify.Bridge
	logger    *slog.Logger
	startedAt time.Time
}

// New wires a tab. Nothing runs until Run is called.
func New(opts Options) (*Tab, error) {
	if opts.Bus == nil {
		return nil, errors.New("tab needs a bus")
	}
	if opts.Surface == nil {
		return nil, errors.New("tab needs a surface")
	}
	if opts.Config == nil {
		opts.Config = config.Defaults()
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	cfg := opts.Config

	t := &Tab{
		id:        opts.ID,
		cfg:       cfg,
		clock:     opts.Clock,
		store:     opts.Store,
		logger:    slog.With("component", "tab", "tab", opts.ID),
		startedAt: opts.Clock.Now(),
	}

	var recorder coordinator.LeaderRecorder
	if opts.Store != nil {
		recorder = opts.Store
	}
	t.coord = coordinator.New(opts.Bus, coordinator.Options{
		ID:                opts.ID,
		HeartbeatInterval: cfg.Election.HeartbeatInterval,
		MissedHeartbeats:  cfg.Election.MissedHeartbeats,
		ClaimWindow:       cfg.Election.ClaimWindow,
		Clock:             opts.Clock,
		Recorder:          recorder,
	})
	t.layer = broadcast.New(t.coord, broadcast.Options{
		SoundPolicy: broadcast.SoundPolicy(cfg.Sound.Policy),
		Now:         opts.Clock.Now,
	})

	player, err := buildPlayer(opts, cfg)
	if err != nil {
		return nil, err
	}
	t.unlocker = audio.NewUnlocker(player, audio.Options{
		PendingTimeout: cfg.Sound.PendingTimeout,
		Clock:          opts.Clock,
		Report:         func(msg string) { t.presenter.Info(msg) },
	})

	t.bridge = notify.NewBridge(notify.NewHub(opts.Notifiers...), notify.ParsePermission(cfg.Notifications.Permission))

	var st presenter.Store
	if opts.Store != nil {
		st = opts.Store
	}
	t.presenter, err = presenter.New(opts.Surface, presenter.Options{
		Tab:    opts.ID,
		Store:  st,
		Audio:  t.unlocker,
		Bridge: t.bridge,
		Now:    opts.Clock.Now,
	})
	if err != nil {
		t.unlocker.Close()
		t.layer.Close()
		return nil, err
	}
	t.layer.Subscribe(t.presenter.Deliver)

	if cfg.Origin.Root != "" {
		t.adapter, err = stream.New(t.layer, stream.Options{
			Root:        cfg.Origin.Root,
			Token:       cfg.Origin.Token,
			Client:      opts.Client,
			MinBackoff:  cfg.Stream.MinBackoff,
			MaxBackoff:  cfg.Stream.MaxBackoff,
			MaxAttempts: cfg.Stream.MaxAttempts,
			Clock:       opts.Clock,
		})
		if err != nil {
			t.unlocker.Close()
			t.layer.Close()
			return nil, fmt.Errorf("configuring stream: %w", err)
		}
		t.coord.OnLeadershipChange(t.adapter.OnLeadershipChange)
	} else {
		t.logger.Warn("no origin root configured, this tab will never connect")
	}

	return t, nil
}

func buildPlayer(opts Options, cfg *config.Config) (audio.Player, error) {
	if opts.Player != nil {
		return opts.Player, nil
	}
	if len(cfg.Sound.Command) == 0 || cfg.Origin.Root == "" {
		return audio.BellPlayer{}, nil
	}
	p, err := audio.NewAssetPlayer(audio.AssetOptions{
		Root:    cfg.Origin.Root,
		Theme:   cfg.Origin.Theme,
		Command: cfg.Sound.Command,
		Volume:  cfg.Sound.Volume,
		Client:  opts.Client,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring sound: %w", err)
	}
	return p, nil
}

// Run takes part in the origin until ctx is done. On return the tab has
// resigned if it led, its stream is closed and its handlers are detached.
func (t *Tab) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	maintenance := make(chan struct{})
	go func() {
		defer close(maintenance)
		t.maintain(ctx)
	}()

	err := t.coord.Run(ctx)
	cancel()

	if t.adapter != nil {
		t.adapter.Close()
	}
	t.layer.Close()
	t.unlocker.Close()
	<-maintenance
	t.bridge.Wait()
	return err
}

// messageHorizonLeases is how many lease timeouts a broadcast log entry
// outlives before the leader prunes it.
const messageHorizonLeases = 10

// maintain prunes the broadcast log and expired history while leading.
func (t *Tab) maintain(ctx context.Context) {
	if t.store == nil {
		return
	}
	lease := t.cfg.Election.HeartbeatInterval * time.Duration(t.cfg.Election.MissedHeartbeats)
	horizon := messageHorizonLeases * lease
	retention := time.Duration(t.cfg.Database.RetentionDays) * 24 * time.Hour

	ticker := t.clock.NewTicker(lease)
	defer ticker.Stop()
	var lastCleanup time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.coord.IsLeader() {
				continue
			}
			if err := t.store.PruneMessages(horizon); err != nil {
				t.logger.Warn("pruning broadcast log failed", "error", err)
			}
			if retention <= 0 {
				continue
			}
			if now := t.clock.Now(); now.Sub(lastCleanup) >= time.Hour {
				lastCleanup = now
				if err := t.store.Cleanup(retention); err != nil {
					t.logger.Warn("cleanup failed", "error", err)
				}
			}
		}
	}
}

// ID returns the tab id.
func (t *Tab) ID() string { return t.id }

// Done is closed once the tab's election loop has stopped.
func (t *Tab) Done() <-chan struct{} { return t.coord.Done() }

// Role returns the tab's role.
func (t *Tab) Role() coordinator.Role { return t.coord.Role() }

// IsLeader reports whether the tab holds the push connection.
func (t *Tab) IsLeader() bool { return t.coord.IsLeader() }

// StreamState returns the push connection state, disconnected when no
// origin root is configured.
func (t *Tab) StreamState() stream.State {
	if t.adapter == nil {
		return stream.Disconnected
	}
	return t.adapter.State()
}

// OnStreamChange registers fn for push connection state changes.
func (t *Tab) OnStreamChange(fn func(stream.State)) {
	if t.adapter != nil {
		t.adapter.OnStateChange(fn)
	}
}

// OnLeadershipChange registers fn for role flips.
func (t *Tab) OnLeadershipChange(fn func(coordinator.Role)) { t.coord.OnLeadershipChange(fn) }

// Status returns a snapshot of the tab.
func (t *Tab) Status() Status {
	return Status{
		Tab:        t.id,
		Role:       string(t.coord.Role()),
		Leader:     t.coord.LeaderID(),
		Stream:     t.StreamState().String(),
		Audio:      t.unlocker.State().String(),
		Permission: t.bridge.Permission().String(),
		Unread:     t.presenter.Unread(),
		Active:     len(t.presenter.Active()),
		StartedAt:  t.startedAt,
	}
}

// Unread returns the tab's unread counter.
func (t *Tab) Unread() int { return t.presenter.Unread() }

// Active lists notifications awaiting an action.
func (t *Tab) Active() []presenter.View { return t.presenter.Active() }

func (t *Tab) Click(key string) error       { return t.presenter.Click(key) }
func (t *Tab) Dismiss(key string) error     { return t.presenter.Dismiss(key) }
func (t *Tab) CloseModal(key string) error  { return t.presenter.CloseModal(key) }
func (t *Tab) Acknowledge(key string) error { return t.presenter.Acknowledge(key) }
func (t *Tab) ClearUnread()                 { t.presenter.ClearUnread() }

// Gesture reports a user interaction; it may unlock audio.
func (t *Tab) Gesture(ctx context.Context, g audio.Gesture) bool {
	return t.presenter.Gesture(ctx, g)
}

// History lists the tab's recorded notifications, newest first.
func (t *Tab) History(f store.NotificationFilter) ([]store.NotificationRecord, error) {
	if t.store == nil {
		return nil, nil
	}
	f.Tab = t.id
	return t.store.ListNotifications(f)
}

// ReadLeader returns the leader record mirrored in st and when it was last
// written.
func ReadLeader(st store.Store) (*coordinator.LeaderRecord, time.Time, error) {
	rec, err := st.GetValue(coordinator.LeaderKey)
	if err != nil {
		return nil, time.Time{}, err
	}
	var lr coordinator.LeaderRecord
	if err := json.Unmarshal([]byte(rec.Value), &lr); err != nil {
		return nil, time.Time{}, fmt.Errorf("decoding leader record: %w", err)
	}
	return &lr, rec.UpdatedAt, nil
}
