package store

import (
	"errors"
	"time"
)

// Store is the durable medium shared by every tab of an origin.
// Defined at the consumer side per Go conventions.
type Store interface {
	// Key-value records (leader lease mirror, misc state)
	PutValue(key, value string) error
	GetValue(key string) (*ValueRecord, error)

	// Broadcast log
	AppendMessage(m *MessageRecord) (int64, error)
	MessagesAfter(afterID int64, excludeOrigin string, limit int) ([]MessageRecord, error)
	LatestMessageID() (int64, error)

	// Unread counters
	LoadCounter(key string) (int, error)
	SaveCounter(key string, value int) error

	// Notification history
	RecordNotification(n *NotificationRecord) error
	ListNotifications(f NotificationFilter) ([]NotificationRecord, error)
	MarkRead(tab, key string) error

	// Maintenance
	PruneMessages(horizon time.Duration) error
	Cleanup(retention time.Duration) error
	Close() error
}

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("not found")

// ValueRecord is a key-value entry with its last write time.
type ValueRecord struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// MessageRecord is one entry of the cross-tab broadcast log.
type MessageRecord struct {
	ID        int64
	Origin    string
	Topic     string
	Payload   []byte
	CreatedAt time.Time
}

// NotificationRecord is a notification as applied by one tab.
type NotificationRecord struct {
	Tab            string    `json:"tab"`
	Key            string    `json:"key"`
	NotificationID string    `json:"id"`
	Type           string    `json:"type"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	Origin         string    `json:"origin"`
	Seq            uint64    `json:"seq"`
	Read           bool      `json:"read"`
	ReceivedAt     time.Time `json:"received_at"`
}

// NotificationFilter specifies criteria for listing history.
type NotificationFilter struct {
	Tab    string
	Unread bool
	Limit  int
	Since  time.Time
}
