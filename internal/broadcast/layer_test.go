package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/tabcast/internal/notification"
)

// fakeNet connects fake coordinators synchronously.
type fakeNet struct {
	tabs []*fakeCoord
	sent [][]byte
}

type fakeCoord struct {
	net      *fakeNet
	id       string
	leader   bool
	failSend error

	mu       sync.Mutex
	handlers []func(string, []byte)
}

func (n *fakeNet) join(id string, leader bool) *fakeCoord {
	c := &fakeCoord{net: n, id: id, leader: leader}
	n.tabs = append(n.tabs, c)
	return c
}

func (c *fakeCoord) ID() string     { return c.id }
func (c *fakeCoord) IsLeader() bool { return c.leader }

func (c *fakeCoord) Broadcast(_ context.Context, channel string, payload []byte) error {
	if c.failSend != nil {
		return c.failSend
	}
	c.net.sent = append(c.net.sent, payload)
	for _, other := range c.net.tabs {
		if other != c {
			other.deliver(c.id, payload)
		}
	}
	return nil
}

func (c *fakeCoord) OnMessage(channel string, h func(string, []byte)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
	idx := len(c.handlers) - 1
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.handlers[idx] = nil
	}
}

func (c *fakeCoord) deliver(origin string, payload []byte) {
	c.mu.Lock()
	hs := append([]func(string, []byte){}, c.handlers...)
	c.mu.Unlock()
	for _, h := range hs {
		if h != nil {
			h(origin, payload)
		}
	}
}

type collector struct {
	mu  sync.Mutex
	got []Delivery
}

func (c *collector) handle(d Delivery) {
	c.mu.Lock()
	c.got = append(c.got, d)
	c.mu.Unlock()
}

func (c *collector) deliveries() []Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Delivery(nil), c.got...)
}

func toast(id string, sound bool) notification.Notification {
	return notification.Notification{ID: id, Type: notification.TypeToast, Title: "New hint", HTML: "<p>x</p>", Sound: sound}
}

func TestLayer_Publish_DeliversOnceToEveryTab(t *testing.T) {
	t.Parallel()
	net := &fakeNet{}
	leader := New(net.join("a", true), Options{})
	followers := []*Layer{New(net.join("b", false), Options{}), New(net.join("c", false), Options{})}

	var cols []*collector
	for _, l := range append([]*Layer{leader}, followers...) {
		col := &collector{}
		l.Subscribe(col.handle)
		cols = append(cols, col)
	}

	require.NoError(t, leader.Publish(context.Background(), toast("42", true)))

	seq := cols[0].deliveries()[0].Seq
	assert.NotZero(t, seq)
	for _, col := range cols {
		got := col.deliveries()
		require.Len(t, got, 1)
		assert.Equal(t, "42", got[0].Notification.ID)
		assert.Equal(t, "a", got[0].Origin)
		assert.Equal(t, seq, got[0].Seq)
	}
}

func TestLayer_Publish_ReachesFollowersBeforeLocalHandlers(t *testing.T) {
	t.Parallel()
	net := &fakeNet{}
	leader := New(net.join("a", true), Options{})
	follower := New(net.join("b", false), Options{})

	followerCol := &collector{}
	follower.Subscribe(followerCol.handle)

	var seenByFollower int
	leader.Subscribe(func(Delivery) {
		// A slow local handler (the leader's chime) must not hold back the
		// other tabs.
		seenByFollower = len(followerCol.deliveries())
	})

	require.NoError(t, leader.Publish(context.Background(), toast("1", true)))
	assert.Equal(t, 1, seenByFollower)
}

func TestLayer_RestartedLeader_IssuesHigherSeq(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	net := &fakeNet{}
	follower := New(net.join("b", false), Options{})
	col := &collector{}
	follower.Subscribe(col.handle)

	first := New(net.join("a", true), Options{Now: func() time.Time { return t0 }})
	require.NoError(t, first.Publish(context.Background(), toast("42", false)))
	first.Close()

	// Same tab id, new process.
	restarted := New(net.join("a", true), Options{Now: func() time.Time { return t0.Add(time.Minute) }})
	require.NoError(t, restarted.Publish(context.Background(), toast("42", false)))

	got := col.deliveries()
	require.Len(t, got, 2, "a restarted leader is not mistaken for a replay")
	assert.Greater(t, got[1].Seq, got[0].Seq)
	assert.NotEqual(t, got[0].Key, got[1].Key)
}

func TestLayer_Publish_OneChimePerNotification(t *testing.T) {
	t.Parallel()
	net := &fakeNet{}
	var layers []*Layer
	layers = append(layers, New(net.join("leader", true), Options{}))
	for _, id := range []string{"f1", "f2", "f3", "f4"} {
		layers = append(layers, New(net.join(id, false), Options{}))
	}

	chimes := 0
	var mu sync.Mutex
	for _, l := range layers {
		l.Subscribe(func(d Delivery) {
			if d.PlaySound {
				mu.Lock()
				chimes++
				mu.Unlock()
			}
		})
	}

	for i, id := range []string{"1", "2", "3"} {
		require.NoError(t, layers[0].Publish(context.Background(), toast(id, true)))
		assert.Equal(t, i+1, chimes)
	}
}

func TestLayer_Publish_WithoutSound_NoChime(t *testing.T) {
	t.Parallel()
	net := &fakeNet{}
	leader := New(net.join("a", true), Options{})
	col := &collector{}
	leader.Subscribe(col.handle)

	require.NoError(t, leader.Publish(context.Background(), toast("1", false)))
	require.Len(t, col.deliveries(), 1)
	assert.False(t, col.deliveries()[0].PlaySound)
}

func TestLayer_EveryTabPolicy_FollowersChimeToo(t *testing.T) {
	t.Parallel()
	net := &fakeNet{}
	leader := New(net.join("a", true), Options{SoundPolicy: SoundEveryTab})
	follower := New(net.join("b", false), Options{SoundPolicy: SoundEveryTab})
	col := &collector{}
	follower.Subscribe(col.handle)

	require.NoError(t, leader.Publish(context.Background(), toast("1", true)))
	require.Len(t, col.deliveries(), 1)
	assert.True(t, col.deliveries()[0].PlaySound)
}

func TestLayer_Replay_IsDroppedSilently(t *testing.T) {
	t.Parallel()
	net := &fakeNet{}
	leader := New(net.join("a", true), Options{})
	fc := net.join("b", false)
	follower := New(fc, Options{})
	col := &collector{}
	follower.Subscribe(col.handle)

	require.NoError(t, leader.Publish(context.Background(), toast("7", true)))
	require.Len(t, net.sent, 1)

	fc.deliver("a", net.sent[0])
	fc.deliver("a", net.sent[0])

	assert.Len(t, col.deliveries(), 1)
}

func TestLayer_SameIDDifferentSeq_IsDistinct(t *testing.T) {
	t.Parallel()
	net := &fakeNet{}
	leader := New(net.join("a", true), Options{})
	col := &collector{}
	leader.Subscribe(col.handle)

	require.NoError(t, leader.Publish(context.Background(), toast("dup", false)))
	require.NoError(t, leader.Publish(context.Background(), toast("dup", false)))

	got := col.deliveries()
	require.Len(t, got, 2)
	assert.NotEqual(t, got[0].Key, got[1].Key)
}

func TestLayer_Publish_OnFollower_Fails(t *testing.T) {
	t.Parallel()
	net := &fakeNet{}
	follower := New(net.join("b", false), Options{})
	col := &collector{}
	follower.Subscribe(col.handle)

	err := follower.Publish(context.Background(), toast("1", true))
	require.ErrorIs(t, err, ErrNotLeader)
	assert.Empty(t, col.deliveries())
	assert.Empty(t, net.sent)
}

func TestLayer_Publish_BroadcastError_StillAppliesLocally(t *testing.T) {
	t.Parallel()
	net := &fakeNet{}
	fc := net.join("a", true)
	fc.failSend = errors.New("bus closed")
	leader := New(fc, Options{})
	col := &collector{}
	leader.Subscribe(col.handle)

	err := leader.Publish(context.Background(), toast("1", true))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus closed")
	assert.Len(t, col.deliveries(), 1)
}

func TestLayer_MalformedEnvelope_IsDropped(t *testing.T) {
	t.Parallel()
	net := &fakeNet{}
	fc := net.join("b", false)
	follower := New(fc, Options{})
	col := &collector{}
	follower.Subscribe(col.handle)

	fc.deliver("a", []byte("{broken"))
	fc.deliver("a", []byte(`{"origin":"a","seq":1,"notification":{"type":"toast"}}`))

	assert.Empty(t, col.deliveries())
}

func TestLayer_EnvelopeWithoutOrigin_UsesSender(t *testing.T) {
	t.Parallel()
	net := &fakeNet{}
	fc := net.join("b", false)
	follower := New(fc, Options{})
	col := &collector{}
	follower.Subscribe(col.handle)

	fc.deliver("a", []byte(`{"seq":3,"notification":{"id":"9","type":"alert"}}`))

	got := col.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Origin)
	assert.Equal(t, "a/3/9", got[0].Key)
}

func TestLayer_Unsubscribe_StopsDeliveries(t *testing.T) {
	t.Parallel()
	net := &fakeNet{}
	leader := New(net.join("a", true), Options{})
	col := &collector{}
	unsub := leader.Subscribe(col.handle)

	require.NoError(t, leader.Publish(context.Background(), toast("1", false)))
	unsub()
	unsub()
	require.NoError(t, leader.Publish(context.Background(), toast("2", false)))

	assert.Len(t, col.deliveries(), 1)
}

func TestLayer_Close_DetachesFromCoordinator(t *testing.T) {
	t.Parallel()
	net := &fakeNet{}
	leader := New(net.join("a", true), Options{})
	follower := New(net.join("b", false), Options{})
	col := &collector{}
	follower.Subscribe(col.handle)

	follower.Close()
	require.NoError(t, leader.Publish(context.Background(), toast("1", false)))
	assert.Empty(t, col.deliveries())
}

func TestKeySet_EvictsOldest(t *testing.T) {
	t.Parallel()
	s := newKeySet(2)

	assert.True(t, s.add("a"))
	assert.True(t, s.add("b"))
	assert.False(t, s.add("a"))
	assert.True(t, s.add("c"))
	assert.Equal(t, 2, s.len())
	assert.True(t, s.add("a"), "oldest key was evicted")
	assert.False(t, s.add("c"))
}
