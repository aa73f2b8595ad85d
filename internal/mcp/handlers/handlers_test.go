package handlers

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/tabcast/internal/presenter"
	"github.com/btouchard/tabcast/internal/store"
	"github.com/btouchard/tabcast/internal/tab"
)

func makeReq(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, r *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, r.Content)
	return r.Content[0].(mcp.TextContent).Text
}

type fakeSource struct {
	unread     int
	active     []presenter.View
	records    []store.NotificationRecord
	historyErr error
	ackErr     error

	lastFilter store.NotificationFilter
	acked      []string
	status     tab.Status
}

func (f *fakeSource) Unread() int              { return f.unread }
func (f *fakeSource) Active() []presenter.View { return f.active }
func (f *fakeSource) Status() tab.Status       { return f.status }

func (f *fakeSource) History(filter store.NotificationFilter) ([]store.NotificationRecord, error) {
	f.lastFilter = filter
	return f.records, f.historyErr
}

func (f *fakeSource) Acknowledge(key string) error {
	if f.ackErr != nil {
		return f.ackErr
	}
	f.acked = append(f.acked, key)
	f.unread--
	return nil
}

// --- UnreadCount ---

func TestUnreadCount_ReportsCounterAndActive(t *testing.T) {
	t.Parallel()
	src := &fakeSource{
		unread: 2,
		active: []presenter.View{
			{Key: "a/1/42", Type: "toast", Stage: presenter.StageToast, Title: "First blood"},
		},
	}

	result, err := UnreadCount(src)(context.Background(), makeReq(nil))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "2 unread")
	assert.Contains(t, text, "a/1/42 [toast/toast] First blood")
}

func TestUnreadCount_WhenNothingActive_OmitsList(t *testing.T) {
	t.Parallel()
	result, err := UnreadCount(&fakeSource{})(context.Background(), makeReq(nil))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "0 unread")
	assert.NotContains(t, text, "Waiting for action")
}

// --- ListNotifications ---

func TestListNotifications_DefaultFilter(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}

	result, err := ListNotifications(src)(context.Background(), makeReq(map[string]any{}))
	require.NoError(t, err)

	assert.Equal(t, defaultListLimit, src.lastFilter.Limit)
	assert.False(t, src.lastFilter.Unread)
	assert.Contains(t, resultText(t, result), "No notifications found")
}

func TestListNotifications_AppliesArguments(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}

	_, err := ListNotifications(src)(context.Background(), makeReq(map[string]any{
		"unread": true,
		"limit":  float64(5000),
	}))
	require.NoError(t, err)

	assert.True(t, src.lastFilter.Unread)
	assert.Equal(t, maxListLimit, src.lastFilter.Limit)
}

func TestListNotifications_FormatsRecords(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{records: []store.NotificationRecord{
		{Key: "a/2/43", Type: "alert", Title: "Maintenance", Body: "Scoreboard\n  frozen", ReceivedAt: at},
		{Key: "a/1/42", Type: "toast", Title: "Hello", Read: true, ReceivedAt: at},
	}}

	result, err := ListNotifications(src)(context.Background(), makeReq(nil))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "(2 found)")
	assert.Contains(t, text, "**Maintenance** (alert) 2026-03-01T12:00:00Z")
	assert.Contains(t, text, "Key: a/2/43")
	assert.Contains(t, text, "Scoreboard frozen")
	assert.Contains(t, text, "✔ **Hello**")
}

func TestListNotifications_TruncatesLongBodies(t *testing.T) {
	t.Parallel()
	long := ""
	for i := range 50 {
		long += fmt.Sprintf("w%d ", i)
	}
	src := &fakeSource{records: []store.NotificationRecord{{Key: "k", Title: "t", Body: long}}}

	result, err := ListNotifications(src)(context.Background(), makeReq(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "...")
}

func TestListNotifications_WhenStoreFails_ReturnsError(t *testing.T) {
	t.Parallel()
	src := &fakeSource{historyErr: errors.New("disk full")}

	result, err := ListNotifications(src)(context.Background(), makeReq(nil))
	require.NoError(t, err)

	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "disk full")
}

// --- Acknowledge ---

func TestAcknowledge_WhenMissingKey_ReturnsError(t *testing.T) {
	t.Parallel()
	result, err := Acknowledge(&fakeSource{})(context.Background(), makeReq(map[string]any{}))
	require.NoError(t, err)

	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "key is required")
}

func TestAcknowledge_MarksRead(t *testing.T) {
	t.Parallel()
	src := &fakeSource{unread: 3}

	result, err := Acknowledge(src)(context.Background(), makeReq(map[string]any{"key": "a/1/42"}))
	require.NoError(t, err)

	assert.Equal(t, []string{"a/1/42"}, src.acked)
	assert.Contains(t, resultText(t, result), "Acknowledged a/1/42, 2 unread")
}

func TestAcknowledge_WhenUnknown_ReturnsError(t *testing.T) {
	t.Parallel()
	src := &fakeSource{ackErr: presenter.ErrUnknown}

	result, err := Acknowledge(src)(context.Background(), makeReq(map[string]any{"key": "nope"}))
	require.NoError(t, err)

	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "not waiting for an action")
}

// --- LeaderStatus ---

func TestLeaderStatus_ReportsTabState(t *testing.T) {
	t.Parallel()
	src := &fakeSource{status: tab.Status{
		Tab:        "tab-b",
		Role:       "follower",
		Leader:     "tab-a",
		Stream:     "disconnected",
		Audio:      "locked",
		Permission: "granted",
		Unread:     4,
		Active:     1,
		StartedAt:  time.Now().Add(-time.Minute),
	}}

	result, err := LeaderStatus(src)(context.Background(), makeReq(nil))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Leader: tab-a")
	assert.Contains(t, text, "Tab: tab-b (follower)")
	assert.Contains(t, text, "Stream: disconnected")
	assert.Contains(t, text, "Audio: locked | Banners: granted")
	assert.Contains(t, text, "Unread: 4 | Waiting: 1")
}

func TestLeaderStatus_BeforeElection(t *testing.T) {
	t.Parallel()
	result, err := LeaderStatus(&fakeSource{})(context.Background(), makeReq(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "(none yet)")
}
