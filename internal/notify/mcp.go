package notify

import (
	"context"
	"sync"
	"time"
)

// MCPSender abstracts the mcp-go server notification methods.
// Defined consumer-side per Go convention.
type MCPSender interface {
	SendNotificationToAllClients(method string, params map[string]any)
}

// MCPNotifier pushes banners to connected MCP clients as
// notifications/message. Banners repeating a tag within the collapse
// window are suppressed, the way a native notification with the same tag
// replaces the previous one.
type MCPNotifier struct {
	sender   MCPSender
	collapse time.Duration
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time // tag → last send time
}

// NewMCPNotifier creates an MCPNotifier with the given collapse window.
func NewMCPNotifier(sender MCPSender, collapse time.Duration) *MCPNotifier {
	if collapse <= 0 {
		collapse = 3 * time.Second
	}
	return &MCPNotifier{
		sender:   sender,
		collapse: collapse,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// Notify sends b unless the same tag was just sent.
func (n *MCPNotifier) Notify(_ context.Context, b Banner) error {
	if b.Tag != "" {
		n.mu.Lock()
		now := n.now()
		last, ok := n.lastSent[b.Tag]
		if ok && now.Sub(last) < n.collapse {
			n.mu.Unlock()
			return nil
		}
		n.lastSent[b.Tag] = now
		n.prune(now)
		n.mu.Unlock()
	}

	level := "info"
	if b.Sticky {
		level = "warning"
	}
	n.sender.SendNotificationToAllClients("notifications/message", map[string]any{
		"level":  level,
		"logger": "tabcast",
		"data": map[string]any{
			"tag":   b.Tag,
			"type":  b.Type,
			"title": b.Title,
			"body":  b.Body,
		},
	})
	return nil
}

// prune drops collapse entries that can no longer suppress anything.
func (n *MCPNotifier) prune(now time.Time) {
	for tag, at := range n.lastSent {
		if now.Sub(at) >= n.collapse {
			delete(n.lastSent, tag)
		}
	}
}
