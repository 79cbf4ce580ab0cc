package typing

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultIdle is how long the local user may pause before "stopped typing" is emitted.
	DefaultIdle = 1 * time.Second

	// DefaultRefresh re-emits "typing" during long bursts so the counterpart's
	// DefaultExpiry does not lapse while the user is still composing.
	DefaultRefresh = 2 * time.Second
)

// Debouncer turns keystroke activity into a bounded stream of typing signals.
//
// The first keystroke emits true immediately and arms the idle timer; later keystrokes
// only re-arm it (plus a refresh every DefaultRefresh). When the timer fires, false is
// emitted exactly once.
type Debouncer struct {
	clock   clockwork.Clock
	idle    time.Duration
	refresh time.Duration
	emit    func(isTyping bool)

	mu       sync.Mutex
	typing   bool
	lastTrue time.Time
	timer    clockwork.Timer
	gen      uint64
}

// NewDebouncer constructs a Debouncer calling emit outside its lock.
func NewDebouncer(clock clockwork.Clock, idle, refresh time.Duration, emit func(isTyping bool)) *Debouncer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if idle <= 0 {
		idle = DefaultIdle
	}
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	if emit == nil {
		emit = func(bool) {}
	}
	return &Debouncer{
		clock:   clock,
		idle:    idle,
		refresh: refresh,
		emit:    emit,
	}
}

// Keystroke records local typing activity.
func (d *Debouncer) Keystroke() {
	d.mu.Lock()
	now := d.clock.Now()
	send := !d.typing || now.Sub(d.lastTrue) >= d.refresh
	d.typing = true
	if send {
		d.lastTrue = now
	}

	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.idle, func() { d.fire(gen) })
	d.mu.Unlock()

	if send {
		d.emit(true)
	}
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || !d.typing {
		d.mu.Unlock()
		return
	}
	d.typing = false
	d.timer = nil
	d.mu.Unlock()

	d.emit(false)
}

// Stop ends the current burst, emitting false if one was in progress.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	was := d.typing
	d.typing = false
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	if was {
		d.emit(false)
	}
}

// Active reports whether a burst is in progress.
func (d *Debouncer) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typing
}
