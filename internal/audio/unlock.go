// Package audio gates the notification chime behind a one-time unlock
// triggered by a user gesture.
package audio

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/btouchard/tabcast/internal/clock"
)

// State of the audio unlock.
type State int

const (
	Locked State = iota
	Unlocking
	Unlocked
)

func (s State) String() string {
	switch s {
	case Unlocking:
		return "unlocking"
	case Unlocked:
		return "unlocked"
	default:
		return "locked"
	}
}

// Gesture is a user interaction reported by the host.
type Gesture string

const (
	PointerDown Gesture = "pointerdown"
	MouseDown   Gesture = "mousedown"
	KeyDown     Gesture = "keydown"
	TouchStart  Gesture = "touchstart"
	TouchEnd    Gesture = "touchend"
	Click       Gesture = "click"
)

// Qualifies reports whether g may unlock audio. Hover, scroll and focus
// changes do not.
func (g Gesture) Qualifies() bool {
	switch g {
	case PointerDown, MouseDown, KeyDown, TouchStart, TouchEnd, Click:
		return true
	}
	return false
}

// Player produces the chime.
type Player interface {
	// Prime loads the sound and performs a silent play-and-stop.
	Prime(ctx context.Context) error
	Play(ctx context.Context) error
}

// Options configures an Unlocker.
type Options struct {
	// PendingTimeout drops a chime still waiting for unlock.
	PendingTimeout time.Duration
	Clock          clock.Clock
	// Report surfaces a load failure to the user; called at most once.
	Report func(msg string)
	// PlayTimeout bounds one prime or play of the player.
	PlayTimeout time.Duration
}

// Unlocker is the locked -> unlocking -> unlocked machine. Chimes play on
// a worker goroutine; callers never wait for the sound.
type Unlocker struct {
	player      Player
	clock       clock.Clock
	timeout     time.Duration
	playTimeout time.Duration
	report      func(string)
	logger      *slog.Logger

	chimes chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	state      State
	armed      bool
	reported   bool
	pending    bool
	pendingGen uint64
	timer      *clock.Timer
}

// NewUnlocker returns a locked Unlocker with its gestures armed.
func NewUnlocker(p Player, opts Options) *Unlocker {
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.PlayTimeout <= 0 {
		opts.PlayTimeout = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	u := &Unlocker{
		player:      p,
		clock:       opts.Clock,
		timeout:     opts.PendingTimeout,
		playTimeout: opts.PlayTimeout,
		report:      opts.Report,
		logger:      slog.With("component", "audio"),
		chimes:      make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		armed:       true,
	}
	go u.run()
	return u
}

// Close stops the chime worker, cancelling a chime still playing.
func (u *Unlocker) Close() {
	u.cancel()
	<-u.done
}

// State returns the unlock state.
func (u *Unlocker) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Armed reports whether gestures are still being listened for.
func (u *Unlocker) Armed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.armed
}

// Pending reports whether a chime is waiting for unlock.
func (u *Unlocker) Pending() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pending
}

// Gesture handles a user interaction. The first qualifying gesture disarms
// the listeners and primes the player. It reports whether audio got
// unlocked by this call.
func (u *Unlocker) Gesture(ctx context.Context, g Gesture) bool {
	if !g.Qualifies() {
		return false
	}

	u.mu.Lock()
	if !u.armed || u.state != Locked {
		u.mu.Unlock()
		return false
	}
	u.armed = false
	u.state = Unlocking
	u.mu.Unlock()

	primeCtx, cancel := context.WithTimeout(ctx, u.playTimeout)
	err := u.player.Prime(primeCtx)
	cancel()
	if err != nil {
		u.mu.Lock()
		u.state = Locked
		u.armed = true
		first := !u.reported
		u.reported = true
		u.mu.Unlock()

		u.logger.Warn("audio unlock failed", "gesture", string(g), "error", err)
		if first && u.report != nil {
			u.report("Notification sound unavailable: " + err.Error())
		}
		return false
	}

	u.mu.Lock()
	u.state = Unlocked
	play := u.pending
	u.clearPendingLocked()
	u.mu.Unlock()

	u.logger.Debug("audio unlocked", "gesture", string(g))
	if play {
		u.play()
	}
	return true
}

// Chime plays the sound when unlocked, otherwise queues a single pending
// chime that expires after the pending timeout. It never blocks.
func (u *Unlocker) Chime(_ context.Context) {
	u.mu.Lock()
	if u.state == Unlocked {
		u.mu.Unlock()
		u.play()
		return
	}
	if u.pending {
		u.mu.Unlock()
		return
	}
	u.pending = true
	u.pendingGen++
	gen := u.pendingGen
	u.timer = u.clock.AfterFunc(u.timeout, func() { u.expire(gen) })
	u.mu.Unlock()
}

func (u *Unlocker) expire(gen uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.pending || u.pendingGen != gen {
		return
	}
	u.pending = false
	u.timer = nil
	u.logger.Debug("pending chime dropped, audio still locked")
}

func (u *Unlocker) clearPendingLocked() {
	u.pending = false
	if u.timer != nil {
		u.timer.Stop()
		u.timer = nil
	}
}

// play hands a chime to the worker. A chime arriving while one is already
// queued is merged into it.
func (u *Unlocker) play() {
	select {
	case u.chimes <- struct{}{}:
	default:
		u.logger.Debug("chime coalesced")
	}
}

func (u *Unlocker) run() {
	defer close(u.done)
	for {
		select {
		case <-u.ctx.Done():
			return
		case <-u.chimes:
			ctx, cancel := context.WithTimeout(u.ctx, u.playTimeout)
			if err := u.player.Play(ctx); err != nil {
				u.logger.Warn("chime failed", "error", err)
			}
			cancel()
		}
	}
}
