package tui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/btouchard/tabcast/internal/presenter"
)

type toastMsg struct{ view presenter.View }

type modalMsg struct{ view presenter.View }

type unreadMsg int

type infoMsg string

// Surface renders presentation calls into a bubbletea program. Calls never
// block: they are queued and forwarded by a single goroutine, since the
// presenter holds its lock while calling and the program may be busy
// running an action against that same presenter.
type Surface struct {
	send func(tea.Msg)

	mu     sync.Mutex
	queue  []tea.Msg
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

// NewSurface returns a Surface forwarding to send, typically
// (*tea.Program).Send.
func NewSurface(send func(tea.Msg)) *Surface {
	s := &Surface{
		send: send,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.forward()
	return s
}

func (s *Surface) ShowToast(v presenter.View) { s.push(toastMsg{view: v}) }
func (s *Surface) OpenModal(v presenter.View) { s.push(modalMsg{view: v}) }
func (s *Surface) SetUnread(n int)            { s.push(unreadMsg(n)) }
func (s *Surface) Info(msg string)            { s.push(infoMsg(msg)) }

// Close stops forwarding once the queue is drained.
func (s *Surface) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.wake)
	}
	s.mu.Unlock()
	<-s.done
}

func (s *Surface) push(msg tea.Msg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, msg)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Surface) forward() {
	defer close(s.done)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()

		for _, msg := range batch {
			s.send(msg)
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			<-s.wake
		}
	}
}
