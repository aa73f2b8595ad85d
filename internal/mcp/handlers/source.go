package handlers

import (
	"github.com/btouchard/tabcast/internal/presenter"
	"github.com/btouchard/tabcast/internal/store"
	"github.com/btouchard/tabcast/internal/tab"
)

// Notifications is the slice of a tab the notification tools need.
type Notifications interface {
	Unread() int
	Active() []presenter.View
	History(f store.NotificationFilter) ([]store.NotificationRecord, error)
	Acknowledge(key string) error
}

// StatusSource reports the tab's coordination state.
type StatusSource interface {
	Status() tab.Status
}
