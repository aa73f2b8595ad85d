package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Bridge gates banners behind the notification permission. A banner is
// only attempted once permission was granted; the grant is requested at
// most once, in the background.
type Bridge struct {
	notifier  Notifier
	requester PermissionRequester
	timeout   time.Duration

	mu        sync.Mutex
	perm      Permission
	requested bool
	inflight  sync.WaitGroup
}

// NewBridge wraps n. initial is the grant known at startup; when n can be
// asked for permission and initial is PermissionDefault, RequestPermission
// will ask it.
func NewBridge(n Notifier, initial Permission) *Bridge {
	b := &Bridge{notifier: n, perm: initial, timeout: 10 * time.Second}
	if pr, ok := n.(PermissionRequester); ok {
		b.requester = pr
	}
	return b
}

// Permission returns the current grant.
func (b *Bridge) Permission() Permission {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.perm
}

// RequestPermission asks for a grant once, without blocking the caller.
func (b *Bridge) RequestPermission(ctx context.Context) {
	b.mu.Lock()
	if b.requested || b.perm != PermissionDefault || b.requester == nil {
		b.mu.Unlock()
		return
	}
	b.requested = true
	b.mu.Unlock()

	b.inflight.Go(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
		defer cancel()

		p, err := b.requester.RequestPermission(ctx)
		if err != nil {
			slog.Debug("notification permission request failed", "error", err)
		}

		b.mu.Lock()
		if b.perm == PermissionDefault {
			b.perm = p
		}
		b.mu.Unlock()
		slog.Info("notification permission", "permission", p.String())
	})
}

// Show delivers the banner in the background when permission is granted.
// It reports whether a banner was attempted.
func (b *Bridge) Show(ctx context.Context, banner Banner) bool {
	if b.Permission() != PermissionGranted {
		return false
	}
	b.inflight.Go(func() {
		if err := b.notifier.Notify(context.WithoutCancel(ctx), banner); err != nil {
			slog.Warn("banner not delivered", "tag", banner.Tag, "error", err)
		}
	})
	return true
}

// Wait blocks until background requests and deliveries are done.
func (b *Bridge) Wait() { b.inflight.Wait() }
