package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Banner is a native notification shown outside the page.
type Banner struct {
	// Tag collapses banners for the same notification.
	Tag   string
	Type  string
	Title string
	Body  string
	// Sticky banners stay until the user acts on them.
	Sticky bool
}

// Permission is the user's decision about native notifications.
type Permission int

const (
	PermissionDefault Permission = iota
	PermissionGranted
	PermissionDenied
)

func (p Permission) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "default"
	}
}

// ParsePermission maps a config value to a Permission.
func ParsePermission(s string) Permission {
	switch s {
	case "granted":
		return PermissionGranted
	case "denied":
		return PermissionDenied
	default:
		return PermissionDefault
	}
}

// Notifier delivers banners to one native channel.
type Notifier interface {
	Notify(ctx context.Context, b Banner) error
}

// PermissionRequester is implemented by notifiers that can be asked for a
// grant.
type PermissionRequester interface {
	RequestPermission(ctx context.Context) (Permission, error)
}

// Hub dispatches banners to multiple notifiers.
type Hub struct {
	notifiers []Notifier
}

// NewHub creates a Hub with the given notifiers.
func NewHub(notifiers ...Notifier) *Hub {
	return &Hub{notifiers: notifiers}
}

// Len returns the number of notifiers.
func (h *Hub) Len() int { return len(h.notifiers) }

// Notify sends b to every notifier concurrently and waits for them.
func (h *Hub) Notify(ctx context.Context, b Banner) error {
	var wg sync.WaitGroup
	for _, n := range h.notifiers {
		wg.Go(func() {
			if err := n.Notify(ctx, b); err != nil {
				slog.Warn("banner not delivered", "tag", b.Tag, "error", err)
			}
		})
	}
	wg.Wait()
	return nil
}

// RequestPermission is granted as soon as one notifier grants it. Notifiers
// that cannot be asked count as granted.
func (h *Hub) RequestPermission(ctx context.Context) (Permission, error) {
	result := PermissionDenied
	var firstErr error
	for _, n := range h.notifiers {
		pr, ok := n.(PermissionRequester)
		if !ok {
			return PermissionGranted, nil
		}
		p, err := pr.RequestPermission(ctx)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if p == PermissionGranted {
			return PermissionGranted, nil
		}
		if p == PermissionDefault {
			result = PermissionDefault
		}
	}
	if len(h.notifiers) == 0 {
		return PermissionDenied, nil
	}
	return result, firstErr
}
