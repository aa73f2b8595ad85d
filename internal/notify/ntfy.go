package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// NtfyNotifier publishes banners to an ntfy topic.
type NtfyNotifier struct {
	Server string
	Topic  string
	Token  string
	Client *http.Client
}

func (n *NtfyNotifier) client() *http.Client {
	if n.Client != nil {
		return n.Client
	}
	return http.DefaultClient
}

func (n *NtfyNotifier) base() string { return strings.TrimRight(n.Server, "/") }

// Notify publishes b as one ntfy message.
func (n *NtfyNotifier) Notify(ctx context.Context, b Banner) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.base()+"/"+n.Topic, strings.NewReader(b.Body))
	if err != nil {
		return fmt.Errorf("building ntfy request: %w", err)
	}
	req.Header.Set("Title", b.Title)
	tags := []string{"tabcast"}
	if b.Type != "" {
		tags = append(tags, b.Type)
	}
	if b.Tag != "" {
		tags = append(tags, "id-"+b.Tag)
	}
	req.Header.Set("Tags", strings.Join(tags, ","))
	if b.Sticky {
		req.Header.Set("Priority", "high")
	} else {
		req.Header.Set("Priority", "default")
	}
	n.authorize(req)

	resp, err := n.client().Do(req)
	if err != nil {
		return fmt.Errorf("publishing to ntfy: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("ntfy returned status %d", resp.StatusCode)
	}
	return nil
}

// RequestPermission checks the topic with the configured credentials:
// a reachable, authorized server grants, an auth rejection denies.
func (n *NtfyNotifier) RequestPermission(ctx context.Context) (Permission, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.base()+"/"+n.Topic+"/auth", nil)
	if err != nil {
		return PermissionDefault, fmt.Errorf("building ntfy auth request: %w", err)
	}
	n.authorize(req)

	resp, err := n.client().Do(req)
	if err != nil {
		return PermissionDefault, fmt.Errorf("probing ntfy: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		return PermissionGranted, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return PermissionDenied, nil
	default:
		return PermissionDefault, fmt.Errorf("ntfy auth check returned status %d", resp.StatusCode)
	}
}

func (n *NtfyNotifier) authorize(req *http.Request) {
	if n.Token != "" {
		req.Header.Set("Authorization", "Bearer "+n.Token)
	}
}
