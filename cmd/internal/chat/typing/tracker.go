// Package typing tracks short-lived "is composing" signals.
//
// Tracker models remote counterparts typing toward the local user (self-expiring entries).
// Debouncer bounds the local user's outbound typing signals.
package typing

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultExpiry is the quiet period after which a remote typing entry disappears.
const DefaultExpiry = 3 * time.Second

type entry struct {
	deadline time.Time
	timer    clockwork.Timer
	gen      uint64
}

// Tracker is the set of users currently typing, each with a cancellable expiry timer.
type Tracker struct {
	log    *slog.Logger
	clock  clockwork.Clock
	expiry time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64
}

// NewTracker constructs a Tracker. A nil clock means the real clock; expiry <= 0 means DefaultExpiry.
func NewTracker(log *slog.Logger, clock clockwork.Clock, expiry time.Duration) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Tracker{
		log:     log,
		clock:   clock,
		expiry:  expiry,
		entries: make(map[string]*entry),
	}
}

// Set applies a typing signal for userID.
// true adds the entry and (re)starts its expiry; false removes it and cancels the timer.
func (t *Tracker) Set(userID string, isTyping bool) {
	if userID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[userID]; ok {
		e.timer.Stop()
		delete(t.entries, userID)
	}
	if !isTyping {
		return
	}

	t.gen++
	gen := t.gen
	e := &entry{
		deadline: t.clock.Now().Add(t.expiry),
		gen:      gen,
	}
	e.timer = t.clock.AfterFunc(t.expiry, func() { t.expire(userID, gen) })
	t.entries[userID] = e
}

func (t *Tracker) expire(userID string, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// A refresh replaced the entry; its own timer owns removal.
	if e, ok := t.entries[userID]; ok && e.gen == gen {
		delete(t.entries, userID)
		t.log.Debug("typing.expired", "user_id", userID)
	}
}

// IsTyping reports whether userID has an unexpired entry.
func (t *Tracker) IsTyping(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[userID]
	if !ok {
		return false
	}
	return t.clock.Now().Before(e.deadline)
}

// Typing returns a sorted snapshot of users with unexpired entries.
func (t *Tracker) Typing() []string {
	t.mu.Lock()
	now := t.clock.Now()
	out := make([]string, 0, len(t.entries))
	for id, e := range t.entries {
		if now.Before(e.deadline) {
			out = append(out, id)
		}
	}
	t.mu.Unlock()

	sort.Strings(out)
	return out
}

// Reset cancels every timer and clears the set.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, id)
	}
}
