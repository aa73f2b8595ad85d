package tab

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/tabcast/internal/audio"
	"github.com/btouchard/tabcast/internal/bus"
	"github.com/btouchard/tabcast/internal/config"
	"github.com/btouchard/tabcast/internal/coordinator"
	"github.com/btouchard/tabcast/internal/presenter"
	"github.com/btouchard/tabcast/internal/store"
	"github.com/btouchard/tabcast/internal/stream"
)

// pushServer is an SSE endpoint broadcasting every frame to all open
// connections.
type pushServer struct {
	*httptest.Server

	mu      sync.Mutex
	total   int
	clients map[int]chan string
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	s := &pushServer{clients: map[int]chan string{}}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *pushServer) serve(w http.ResponseWriter, r *http.Request) {
	ch := make(chan string, 16)
	s.mu.Lock()
	s.total++
	id := s.total
	s.clients[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, id)
		s.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-ch:
			_, _ = fmt.Fprint(w, frame)
			flusher.Flush()
		}
	}
}

func (s *pushServer) send(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.clients {
		ch <- "event: notification\ndata: " + data + "\n\n"
	}
}

func (s *pushServer) open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *pushServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

type recordingSurface struct {
	mu     sync.Mutex
	toasts []presenter.View
	modals []presenter.View
	unread int
	infos  []string
}

func (r *recordingSurface) ShowToast(v presenter.View) {
	r.mu.Lock()
	r.toasts = append(r.toasts, v)
	r.mu.Unlock()
}

func (r *recordingSurface) OpenModal(v presenter.View) {
	r.mu.Lock()
	r.modals = append(r.modals, v)
	r.mu.Unlock()
}

func (r *recordingSurface) SetUnread(n int) {
	r.mu.Lock()
	r.unread = n
	r.mu.Unlock()
}

func (r *recordingSurface) Info(msg string) {
	r.mu.Lock()
	r.infos = append(r.infos, msg)
	r.mu.Unlock()
}

func (r *recordingSurface) toastCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.toasts)
}

type countingPlayer struct {
	mu    sync.Mutex
	plays int
}

func (c *countingPlayer) Prime(context.Context) error { return nil }

func (c *countingPlayer) Play(context.Context) error {
	c.mu.Lock()
	c.plays++
	c.mu.Unlock()
	return nil
}

func (c *countingPlayer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plays
}

type harnessTab struct {
	tab     *Tab
	ep      *bus.Endpoint
	surface *recordingSurface
	player  *countingPlayer
	cancel  context.CancelFunc
	closed  bool
}

func testConfig(root string) *config.Config {
	cfg := config.Defaults()
	cfg.Origin.Root = root
	cfg.Election.HeartbeatInterval = 25 * time.Millisecond
	cfg.Election.MissedHeartbeats = 6
	cfg.Election.ClaimWindow = 15 * time.Millisecond
	cfg.Stream.MinBackoff = 5 * time.Millisecond
	cfg.Stream.MaxBackoff = 20 * time.Millisecond
	cfg.Notifications.Permission = "denied"
	cfg.Database.RetentionDays = 0
	return cfg
}

func startTab(t *testing.T, hub *bus.Hub, id string, cfg *config.Config, st store.Store) *harnessTab {
	t.Helper()
	p := &countingPlayer{}
	h := startTabWithPlayer(t, hub, id, cfg, st, p)
	h.player = p
	return h
}

func startTabWithPlayer(t *testing.T, hub *bus.Hub, id string, cfg *config.Config, st store.Store, p audio.Player) *harnessTab {
	t.Helper()
	h := &harnessTab{ep: hub.Join(id), surface: &recordingSurface{}}
	tb, err := New(Options{ID: id, Config: cfg, Bus: h.ep, Store: st, Surface: h.surface, Player: p})
	require.NoError(t, err)
	h.tab = tb

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tb.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = h.ep.Close()
	})
	return h
}

// closeAbruptly cuts the tab off the origin before stopping it.
func (h *harnessTab) closeAbruptly() {
	_ = h.ep.Close()
	h.cancel()
	<-h.tab.Done()
	h.closed = true
}

func waitLeader(t *testing.T, tabs []*harnessTab) *harnessTab {
	t.Helper()
	var leader *harnessTab
	require.Eventually(t, func() bool {
		leader = nil
		n := 0
		for _, h := range tabs {
			if !h.closed && h.tab.IsLeader() {
				leader = h
				n++
			}
		}
		return n == 1
	}, 3*time.Second, 5*time.Millisecond)
	return leader
}

func TestTab_ToastReachesEveryTab_OnlyLeaderChimesAfterGesture(t *testing.T) {
	t.Parallel()
	srv := newPushServer(t)
	hub := bus.NewHub()
	cfg := testConfig(srv.URL)

	tabs := []*harnessTab{
		startTab(t, hub, "a", cfg, nil),
		startTab(t, hub, "b", cfg, nil),
		startTab(t, hub, "c", cfg, nil),
	}
	leader := waitLeader(t, tabs)
	require.Eventually(t, func() bool { return leader.tab.StreamState() == stream.Connected }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, srv.open(), "only the leader holds the push connection")

	srv.send(`{"type":"toast","id":42,"title":"New hint","html":"<p>Look closer at the banner</p>","sound":true}`)

	for _, h := range tabs {
		require.Eventually(t, func() bool { return h.surface.toastCount() == 1 }, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, h.tab.Unread())
	}
	time.Sleep(50 * time.Millisecond)
	for _, h := range tabs {
		assert.Equal(t, 1, h.surface.toastCount(), "exactly once per tab")
		assert.Zero(t, h.player.count(), "audio is still locked")
	}

	for _, h := range tabs {
		assert.True(t, h.tab.Gesture(context.Background(), audio.Click))
	}
	require.Eventually(t, func() bool { return leader.player.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, leader.player.count())
	for _, h := range tabs {
		if h != leader {
			assert.Zero(t, h.player.count())
		}
	}

	// Dismissing in a follower leaves the leader's counter alone.
	var follower *harnessTab
	for _, h := range tabs {
		if h != leader {
			follower = h
			break
		}
	}
	key := follower.tab.Active()[0].Key
	require.NoError(t, follower.tab.Dismiss(key))
	assert.Equal(t, 0, follower.tab.Unread())
	assert.Equal(t, 1, leader.tab.Unread())
}

// stuckPlayer never finishes a chime on its own.
type stuckPlayer struct {
	mu      sync.Mutex
	playing int
}

func (p *stuckPlayer) Prime(context.Context) error { return nil }

func (p *stuckPlayer) Play(ctx context.Context) error {
	p.mu.Lock()
	p.playing++
	p.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (p *stuckPlayer) started() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func TestTab_StuckChime_DoesNotHoldBackDelivery(t *testing.T) {
	t.Parallel()
	srv := newPushServer(t)
	hub := bus.NewHub()
	cfg := testConfig(srv.URL)
	cfg.Sound.Policy = "every_tab"

	players := map[string]*stuckPlayer{"a": {}, "b": {}}
	tabs := []*harnessTab{
		startTabWithPlayer(t, hub, "a", cfg, nil, players["a"]),
		startTabWithPlayer(t, hub, "b", cfg, nil, players["b"]),
	}
	leader := waitLeader(t, tabs)
	require.Eventually(t, func() bool { return leader.tab.StreamState() == stream.Connected }, 2*time.Second, 5*time.Millisecond)
	for _, h := range tabs {
		require.True(t, h.tab.Gesture(context.Background(), audio.Click))
	}

	srv.send(`{"type":"toast","id":1,"title":"one","sound":true}`)
	require.Eventually(t, func() bool { return players[leader.tab.ID()].started() == 1 }, 2*time.Second, 5*time.Millisecond)

	srv.send(`{"type":"toast","id":2,"title":"two","sound":true}`)
	for _, h := range tabs {
		require.Eventually(t, func() bool { return h.surface.toastCount() == 2 }, 2*time.Second, 5*time.Millisecond,
			"tab %s missed a toast while a chime was playing", h.tab.ID())
	}

	// Heartbeats kept flowing: no re-election while chimes hang.
	time.Sleep(200 * time.Millisecond)
	assert.True(t, leader.tab.IsLeader())
	assert.Equal(t, stream.Connected, leader.tab.StreamState())
}

func TestTab_MalformedPayload_NoTabChanges(t *testing.T) {
	t.Parallel()
	srv := newPushServer(t)
	hub := bus.NewHub()
	cfg := testConfig(srv.URL)
	tabs := []*harnessTab{startTab(t, hub, "a", cfg, nil), startTab(t, hub, "b", cfg, nil)}

	leader := waitLeader(t, tabs)
	require.Eventually(t, func() bool { return leader.tab.StreamState() == stream.Connected }, 2*time.Second, 5*time.Millisecond)

	srv.send(`{"type":"toast","id":`)
	srv.send(`{"type":"alert","id":"a-1","title":"Check this","html":"<p>x</p>"}`)

	for _, h := range tabs {
		require.Eventually(t, func() bool { return h.tab.Unread() == 1 }, 2*time.Second, 5*time.Millisecond)
		active := h.tab.Active()
		require.Len(t, active, 1)
		assert.Equal(t, "a-1", active[0].ID)
	}
	assert.Equal(t, stream.Connected, leader.tab.StreamState())
}

func TestTab_LeaderClosedAbruptly_SurvivorReconnects(t *testing.T) {
	t.Parallel()
	srv := newPushServer(t)
	hub := bus.NewHub()
	cfg := testConfig(srv.URL)
	tabs := []*harnessTab{
		startTab(t, hub, "a", cfg, nil),
		startTab(t, hub, "b", cfg, nil),
		startTab(t, hub, "c", cfg, nil),
	}

	leader := waitLeader(t, tabs)
	require.Eventually(t, func() bool { return srv.open() == 1 }, 2*time.Second, 5*time.Millisecond)
	leader.closeAbruptly()

	next := waitLeader(t, tabs)
	assert.NotSame(t, leader, next)
	require.Eventually(t, func() bool { return next.tab.StreamState() == stream.Connected }, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return srv.open() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, srv.connections(), 2)

	srv.send(`{"type":"background","id":"bg-1"}`)
	for _, h := range tabs {
		if h == leader {
			continue
		}
		require.Eventually(t, func() bool { return h.tab.Unread() == 1 }, 2*time.Second, 5*time.Millisecond)
	}
	assert.Zero(t, leader.tab.Unread())
}

func TestTab_Status_ReportsRoleStreamAndAudio(t *testing.T) {
	t.Parallel()
	srv := newPushServer(t)
	hub := bus.NewHub()
	h := startTab(t, hub, "solo", testConfig(srv.URL), nil)

	require.Eventually(t, func() bool { return h.tab.StreamState() == stream.Connected }, 2*time.Second, 5*time.Millisecond)

	st := h.tab.Status()
	assert.Equal(t, "solo", st.Tab)
	assert.Equal(t, string(coordinator.RoleLeader), st.Role)
	assert.Equal(t, "solo", st.Leader)
	assert.Equal(t, "connected", st.Stream)
	assert.Equal(t, "locked", st.Audio)
	assert.Equal(t, "denied", st.Permission)
	assert.Zero(t, st.Unread)
}

func TestTab_WithStore_RecordsHistoryAndLeader(t *testing.T) {
	t.Parallel()
	srv := newPushServer(t)
	hub := bus.NewHub()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := startTab(t, hub, "solo", testConfig(srv.URL), st)
	require.Eventually(t, func() bool { return h.tab.StreamState() == stream.Connected }, 2*time.Second, 5*time.Millisecond)

	srv.send(`{"type":"toast","id":"h-1","title":"Recorded","content":"plain body"}`)
	require.Eventually(t, func() bool { return h.tab.Unread() == 1 }, 2*time.Second, 5*time.Millisecond)

	hist, err := h.tab.History(store.NotificationFilter{})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "h-1", hist[0].NotificationID)
	assert.Equal(t, "solo", hist[0].Origin)

	lr, _, err := ReadLeader(st)
	require.NoError(t, err)
	assert.Equal(t, "solo", lr.Tab)

	n, err := st.LoadCounter(presenter.CounterKey("solo"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTab_Leader_PrunesStaleBroadcastLog(t *testing.T) {
	t.Parallel()
	hub := bus.NewHub()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	stale := time.Now().Add(-time.Minute)
	for range 5 {
		_, err := st.AppendMessage(&store.MessageRecord{Origin: "old", Topic: "heartbeat", Payload: []byte("{}"), CreatedAt: stale})
		require.NoError(t, err)
	}
	require.NoError(t, st.RecordNotification(&store.NotificationRecord{Tab: "solo", Key: "old/1/n", NotificationID: "n", Type: "toast", ReceivedAt: stale}))

	cfg := testConfig("")
	cfg.Database.RetentionDays = 30
	h := startTab(t, hub, "solo", cfg, st)
	require.Eventually(t, h.tab.IsLeader, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		msgs, err := st.MessagesAfter(0, "", 0)
		return err == nil && len(msgs) == 0
	}, 3*time.Second, 10*time.Millisecond)

	hist, err := h.tab.History(store.NotificationFilter{})
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestTab_WithoutRoot_NeverConnects(t *testing.T) {
	t.Parallel()
	hub := bus.NewHub()
	h := startTab(t, hub, "solo", testConfig(""), nil)

	require.Eventually(t, h.tab.IsLeader, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, stream.Disconnected, h.tab.StreamState())
}

func TestNew_RequiresBusAndSurface(t *testing.T) {
	t.Parallel()
	_, err := New(Options{Surface: &recordingSurface{}})
	require.Error(t, err)

	hub := bus.NewHub()
	ep := hub.Join("x")
	defer func() { _ = ep.Close() }()
	_, err = New(Options{Bus: ep})
	require.Error(t, err)
}
