// Package presenter renders deliveries for one tab and keeps its unread
// counter.
package presenter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/btouchard/tabcast/internal/audio"
	"github.com/btouchard/tabcast/internal/broadcast"
	"github.com/btouchard/tabcast/internal/notification"
	"github.com/btouchard/tabcast/internal/notify"
	"github.com/btouchard/tabcast/internal/store"
)

// ErrUnknown is returned for actions on a notification that is not shown
// or was already settled.
var ErrUnknown = errors.New("no such active notification")

// ErrInvalidAction is returned for an action the notification's current
// presentation does not offer.
var ErrInvalidAction = errors.New("action not available")

// View is what the host renders.
type View struct {
	Key        string            `json:"key"`
	ID         string            `json:"id"`
	Type       notification.Type `json:"type"`
	Title      string            `json:"title"`
	HTML       string            `json:"html"`
	Body       string            `json:"body"`
	Stage      Stage             `json:"stage"`
	ReceivedAt time.Time         `json:"received_at"`
}

// Stage is where a shown notification is in its lifecycle.
type Stage string

const (
	StageToast   Stage = "toast"
	StageModal   Stage = "modal"
	StageUnacked Stage = "unacknowledged"
)

// Surface is the host UI. Its methods are called with the presenter's
// lock held and must not call back into the Presenter synchronously.
type Surface interface {
	ShowToast(v View)
	OpenModal(v View)
	SetUnread(n int)
	Info(msg string)
}

// Store is the persistence the presenter needs.
type Store interface {
	LoadCounter(key string) (int, error)
	SaveCounter(key string, value int) error
	RecordNotification(n *store.NotificationRecord) error
	MarkRead(tab, key string) error
}

// Audio is the chime gate.
type Audio interface {
	Chime(ctx context.Context)
	Gesture(ctx context.Context, g audio.Gesture) bool
}

// Bridge shows native banners.
type Bridge interface {
	Show(ctx context.Context, b notify.Banner) bool
	RequestPermission(ctx context.Context)
}

// Options configures a Presenter. Store, Audio and Bridge are optional.
type Options struct {
	Tab    string
	Store  Store
	Audio  Audio
	Bridge Bridge
	Now    func() time.Time
}

// CounterKey is the store key of a tab's unread counter.
func CounterKey(tab string) string { return "unread:" + tab }

// Presenter applies deliveries to a Surface.
type Presenter struct {
	tab     string
	surface Surface
	store   Store
	audio   Audio
	bridge  Bridge
	now     func() time.Time
	logger  *slog.Logger

	mu        sync.Mutex
	unread    int
	active    map[string]*View
	requested bool
}

// New restores the tab's counter and pushes it to the surface.
func New(surface Surface, opts Options) (*Presenter, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	p := &Presenter{
		tab:     opts.Tab,
		surface: surface,
		store:   opts.Store,
		audio:   opts.Audio,
		bridge:  opts.Bridge,
		now:     opts.Now,
		logger:  slog.With("component", "presenter", "tab", opts.Tab),
		active:  make(map[string]*View),
	}
	if p.store != nil {
		n, err := p.store.LoadCounter(CounterKey(p.tab))
		if err != nil {
			return nil, fmt.Errorf("loading unread counter: %w", err)
		}
		p.unread = n
	}
	surface.SetUnread(p.unread)
	return p, nil
}

// Deliver renders one deduplicated delivery. It is a broadcast.Handler.
func (p *Presenter) Deliver(d broadcast.Delivery) {
	ctx := context.Background()
	n := d.Notification
	v := View{
		Key:        d.Key,
		ID:         n.ID,
		Type:       n.Type,
		Title:      n.Title,
		HTML:       n.HTML,
		Body:       n.Body(),
		ReceivedAt: p.now(),
	}
	p.mu.Lock()
	if _, dup := p.active[v.Key]; dup {
		p.mu.Unlock()
		p.logger.Debug("notification already shown", "key", v.Key)
		return
	}
	p.record(d, v)
	p.adjustLocked(+1)

	banner := false
	switch n.Type.Kind() {
	case notification.TypeToast:
		v.Stage = StageToast
		p.active[v.Key] = &v
		p.surface.ShowToast(v)
		banner = true
	case notification.TypeAlert:
		v.Stage = StageModal
		p.active[v.Key] = &v
		p.surface.OpenModal(v)
		banner = true
	default:
		v.Stage = StageUnacked
		p.active[v.Key] = &v
	}
	askPermission := !p.requested
	p.requested = true
	p.mu.Unlock()

	if p.bridge != nil {
		if askPermission {
			p.bridge.RequestPermission(ctx)
		}
		if banner {
			p.bridge.Show(ctx, notify.Banner{
				Tag:    n.ID,
				Type:   string(n.Type),
				Title:  n.Title,
				Body:   v.Body,
				Sticky: true,
			})
		}
	}
	if d.PlaySound && p.audio != nil {
		p.audio.Chime(ctx)
	}
}

// Click opens the full content of a toast in a modal.
func (p *Presenter) Click(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.active[key]
	if !ok {
		return ErrUnknown
	}
	if v.Stage != StageToast {
		return fmt.Errorf("click on %s: %w", v.Stage, ErrInvalidAction)
	}
	v.Stage = StageModal
	p.surface.OpenModal(*v)
	return nil
}

// Dismiss closes a toast without opening it. Dismissing a toast that was
// clicked leaves the counter alone: its modal settles it.
func (p *Presenter) Dismiss(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.active[key]
	if !ok {
		return ErrUnknown
	}
	switch v.Stage {
	case StageToast:
		p.settleLocked(key)
		return nil
	case StageModal:
		if v.Type.Kind() == notification.TypeToast {
			return nil
		}
	}
	return fmt.Errorf("dismiss on %s: %w", v.Stage, ErrInvalidAction)
}

// CloseModal closes the modal of a clicked toast or of an alert.
func (p *Presenter) CloseModal(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.active[key]
	if !ok {
		return ErrUnknown
	}
	if v.Stage != StageModal {
		return fmt.Errorf("close on %s: %w", v.Stage, ErrInvalidAction)
	}
	p.settleLocked(key)
	return nil
}

// Acknowledge marks any still-active notification read, whatever its
// presentation.
func (p *Presenter) Acknowledge(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.active[key]; !ok {
		return ErrUnknown
	}
	p.settleLocked(key)
	return nil
}

// ClearUnread resets the counter, as when the user opens the
// notifications page. Unacknowledged background entries are settled too;
// toasts and modals stay on screen.
func (p *Presenter) ClearUnread() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, v := range p.active {
		if v.Stage == StageUnacked {
			delete(p.active, key)
			p.markReadLocked(key)
		}
	}
	p.setLocked(0)
}

// Gesture forwards a user interaction to the audio gate.
func (p *Presenter) Gesture(ctx context.Context, g audio.Gesture) bool {
	if p.audio == nil {
		return false
	}
	return p.audio.Gesture(ctx, g)
}

// Info passes a message through to the surface.
func (p *Presenter) Info(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.surface.Info(msg)
}

// Unread returns the counter.
func (p *Presenter) Unread() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unread
}

// Active lists shown notifications still awaiting an action, oldest first.
func (p *Presenter) Active() []View {
	p.mu.Lock()
	defer p.mu.Unlock()

	views := make([]View, 0, len(p.active))
	for _, v := range p.active {
		views = append(views, *v)
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].ReceivedAt.Equal(views[j].ReceivedAt) {
			return views[i].Key < views[j].Key
		}
		return views[i].ReceivedAt.Before(views[j].ReceivedAt)
	})
	return views
}

func (p *Presenter) settleLocked(key string) {
	delete(p.active, key)
	p.adjustLocked(-1)
	p.markReadLocked(key)
}

func (p *Presenter) markReadLocked(key string) {
	if p.store == nil {
		return
	}
	if err := p.store.MarkRead(p.tab, key); err != nil && !errors.Is(err, store.ErrNotFound) {
		p.logger.Warn("marking notification read", "key", key, "error", err)
	}
}

func (p *Presenter) adjustLocked(delta int) {
	p.setLocked(max(p.unread+delta, 0))
}

func (p *Presenter) setLocked(n int) {
	p.unread = n
	if p.store != nil {
		if err := p.store.SaveCounter(CounterKey(p.tab), p.unread); err != nil {
			p.logger.Warn("saving unread counter", "error", err)
		}
	}
	p.surface.SetUnread(p.unread)
}

func (p *Presenter) record(d broadcast.Delivery, v View) {
	if p.store == nil {
		return
	}
	err := p.store.RecordNotification(&store.NotificationRecord{
		Tab:            p.tab,
		Key:            d.Key,
		NotificationID: v.ID,
		Type:           string(v.Type),
		Title:          v.Title,
		Body:           v.Body,
		Origin:         d.Origin,
		Seq:            d.Seq,
		ReceivedAt:     v.ReceivedAt,
	})
	if err != nil {
		p.logger.Warn("recording notification", "key", d.Key, "error", err)
	}
}
