// Package tui is a terminal host for a tab: it renders toasts and modals,
// shows the unread badge and reports key presses and clicks back as
// gestures and notification actions.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/btouchard/tabcast/internal/audio"
	"github.com/btouchard/tabcast/internal/presenter"
	"github.com/btouchard/tabcast/internal/tab"
)

const refreshInterval = time.Second

// Controller is the slice of a tab the terminal drives.
type Controller interface {
	Status() tab.Status
	Active() []presenter.View
	Click(key string) error
	Dismiss(key string) error
	CloseModal(key string) error
	Acknowledge(key string) error
	ClearUnread()
	Gesture(ctx context.Context, g audio.Gesture) bool
}

type refreshedMsg struct {
	status tab.Status
	active []presenter.View
}

type actionDoneMsg struct{ err error }

type tickMsg time.Time

// Model is the root bubbletea model.
type Model struct {
	ctl    Controller
	status tab.Status
	items  []presenter.View
	cursor int
	unread int
	info   string
	width  int
}

// NewModel creates the terminal model for ctl.
func NewModel(ctl Controller) Model {
	return Model{ctl: ctl}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// refresh reads the tab off the event loop; presenter calls take a lock
// that may be held while the surface queues a message.
func (m Model) refresh() tea.Cmd {
	ctl := m.ctl
	return func() tea.Msg {
		return refreshedMsg{status: ctl.Status(), active: ctl.Active()}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tickMsg:
		return m, tea.Batch(m.refresh(), tick())

	case refreshedMsg:
		m.status = msg.status
		m.unread = msg.status.Unread
		m.items = msg.active
		m.clampCursor()

	case toastMsg, modalMsg:
		return m, m.refresh()

	case unreadMsg:
		m.unread = int(msg)

	case infoMsg:
		m.info = string(msg)

	case actionDoneMsg:
		if msg.err != nil {
			m.info = msg.err.Error()
		}
		return m, m.refresh()

	case tea.MouseMsg:
		if msg.Action == tea.MouseActionPress {
			return m, m.gesture(audio.MouseDown)
		}

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	cmds := []tea.Cmd{m.gesture(audio.KeyDown)}

	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "j", "down":
		if m.cursor < len(m.items)-1 {
			m.cursor++
		}
	case "k", "up":
		if m.cursor > 0 {
			m.cursor--
		}
	case "enter":
		cmds = append(cmds, m.act(m.ctl.Click))
	case "d", "x":
		cmds = append(cmds, m.act(m.ctl.Dismiss))
	case "c", "esc":
		cmds = append(cmds, m.act(m.ctl.CloseModal))
	case "a":
		cmds = append(cmds, m.act(m.ctl.Acknowledge))
	case "r":
		ctl := m.ctl
		cmds = append(cmds, func() tea.Msg {
			ctl.ClearUnread()
			return actionDoneMsg{}
		})
	}
	return m, tea.Batch(cmds...)
}

// gesture reports a user interaction until audio is unlocked.
func (m Model) gesture(g audio.Gesture) tea.Cmd {
	if m.status.Audio == audio.Unlocked.String() {
		return nil
	}
	ctl := m.ctl
	return func() tea.Msg {
		ctl.Gesture(context.Background(), g)
		return nil
	}
}

// act runs fn on the selected notification.
func (m Model) act(fn func(string) error) tea.Cmd {
	if len(m.items) == 0 {
		return nil
	}
	key := m.items[m.cursor].Key
	return func() tea.Msg { return actionDoneMsg{err: fn(key)} }
}

func (m *Model) clampCursor() {
	if m.cursor >= len(m.items) {
		m.cursor = len(m.items) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m Model) View() string {
	var sb strings.Builder

	sb.WriteString(m.header())
	sb.WriteString("\n\n")

	if len(m.items) == 0 {
		sb.WriteString(dimStyle.Render("  no notifications"))
		sb.WriteString("\n")
	}
	for i, v := range m.items {
		line := fmt.Sprintf("%-7s %s", v.Stage, v.Title)
		switch {
		case i == m.cursor:
			sb.WriteString(selectedStyle.Render("> " + line))
		case v.Type == "alert":
			sb.WriteString(alertStyle.Render("  " + line))
		default:
			sb.WriteString(normalStyle.Render("  " + line))
		}
		sb.WriteString("\n")
	}

	if len(m.items) > 0 {
		if sel := m.items[m.cursor]; sel.Stage == presenter.StageModal {
			sb.WriteString("\n")
			sb.WriteString(m.modal(sel))
			sb.WriteString("\n")
		}
	}

	if m.info != "" {
		sb.WriteString("\n")
		sb.WriteString(dimStyle.Render(m.info))
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	sb.WriteString(help())
	return sb.String()
}

func (m Model) header() string {
	role := m.status.Role
	if role == "" {
		role = "starting"
	}
	parts := []string{
		titleStyle.Render("tabcast"),
		dimStyle.Render(m.status.Tab),
		role,
		"stream " + m.status.Stream,
		"audio " + m.status.Audio,
		badgeStyle.Render(fmt.Sprintf("%d unread", m.unread)),
	}
	return strings.Join(parts, dimStyle.Render(" · "))
}

func (m Model) modal(v presenter.View) string {
	width := 60
	if m.width > 8 && m.width-4 < width {
		width = m.width - 4
	}
	body := v.Body
	if body == "" {
		body = v.HTML
	}
	content := selectedStyle.Render(v.Title) + "\n\n" + normalStyle.Render(body)
	return modalStyle.Width(width).Render(content)
}

func help() string {
	keys := []struct{ key, label string }{
		{"↑/↓", "select"},
		{"enter", "open"},
		{"d", "dismiss"},
		{"c", "close"},
		{"a", "ack"},
		{"r", "mark all read"},
		{"q", "quit"},
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, helpKeyStyle.Render(k.key)+" "+helpLabelStyle.Render(k.label))
	}
	return strings.Join(parts, "  ")
}
