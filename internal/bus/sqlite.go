package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/btouchard/tabcast/internal/clock"
	"github.com/btouchard/tabcast/internal/store"
)

// MessageLog is the durable broadcast log a SQLite endpoint polls.
type MessageLog interface {
	AppendMessage(m *store.MessageRecord) (int64, error)
	MessagesAfter(afterID int64, excludeOrigin string, limit int) ([]store.MessageRecord, error)
	LatestMessageID() (int64, error)
}

const pollBatch = 256

// SQLiteOptions tunes a SQLite endpoint.
type SQLiteOptions struct {
	PollInterval time.Duration
	Clock        clock.Clock
}

// SQLite is an endpoint backed by a shared message log, so tabs in
// different processes that open the same database file see each other.
// Only messages appended after the endpoint was opened are delivered.
type SQLite struct {
	log    MessageLog
	origin string
	router *router
	logger *slog.Logger

	mu     sync.Mutex
	lastID int64

	ticker    *clock.Ticker
	done      chan struct{}
	closeOnce sync.Once
}

var _ Bus = (*SQLite)(nil)

// NewSQLite opens an endpoint for origin and starts polling the log.
func NewSQLite(log MessageLog, origin string, opts SQLiteOptions) (*SQLite, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	last, err := log.LatestMessageID()
	if err != nil {
		return nil, fmt.Errorf("reading broadcast log position: %w", err)
	}

	s := &SQLite{
		log:    log,
		origin: origin,
		router: newRouter(),
		logger: slog.With("component", "bus", "tab", origin),
		lastID: last,
		ticker: opts.Clock.NewTicker(opts.PollInterval),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

// Publish appends the message to the shared log.
func (s *SQLite) Publish(ctx context.Context, topic string, payload []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if _, err := s.log.AppendMessage(&store.MessageRecord{
		Origin:  s.origin,
		Topic:   topic,
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("publishing %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers h for topic.
func (s *SQLite) Subscribe(topic string, h Handler) func() {
	return s.router.subscribe(topic, h)
}

// Close stops polling.
func (s *SQLite) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.ticker.Stop()
	})
	return nil
}

func (s *SQLite) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.ticker.C:
			s.Poll()
		}
	}
}

// Poll delivers every message appended since the previous poll.
func (s *SQLite) Poll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		msgs, err := s.log.MessagesAfter(s.lastID, s.origin, pollBatch)
		if err != nil {
			s.logger.Warn("polling broadcast log failed", "error", err)
			return
		}
		for _, m := range msgs {
			s.lastID = m.ID
			select {
			case <-s.done:
				return
			default:
			}
			s.router.dispatch(Message{Origin: m.Origin, Topic: m.Topic, Payload: m.Payload})
		}
		if len(msgs) < pollBatch {
			return
		}
	}
}
