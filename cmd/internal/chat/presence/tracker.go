// Package presence tracks which users are currently online, driven entirely by presence events.
package presence

import (
	"log/slog"
	"sort"
	"sync"
)

// Tracker is the online set. Absence is authoritative: there is no staleness timestamp.
type Tracker struct {
	log *slog.Logger

	mu     sync.RWMutex
	online map[string]struct{}
}

// NewTracker constructs an empty Tracker.
func NewTracker(log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		log:    log,
		online: make(map[string]struct{}),
	}
}

// MarkOnline adds userID to the online set.
func (t *Tracker) MarkOnline(userID string) {
	if userID == "" {
		return
	}
	t.mu.Lock()
	t.online[userID] = struct{}{}
	t.mu.Unlock()
}

// MarkOffline removes userID from the online set.
func (t *Tracker) MarkOffline(userID string) {
	t.mu.Lock()
	delete(t.online, userID)
	t.mu.Unlock()
}

// Set applies a presence event.
func (t *Tracker) Set(userID string, online bool) {
	if online {
		t.MarkOnline(userID)
		return
	}
	t.MarkOffline(userID)
}

// IsOnline reports set membership.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userID]
	return ok
}

// Reset forgets every entry. Called when the local live connection goes away,
// since nothing will correct stale entries until the next resync.
func (t *Tracker) Reset() {
	t.mu.Lock()
	n := len(t.online)
	t.online = make(map[string]struct{})
	t.mu.Unlock()

	if n > 0 {
		t.log.Debug("presence.reset", "dropped", n)
	}
}

// Online returns a sorted snapshot of the online set.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	t.mu.RUnlock()

	sort.Strings(out)
	return out
}
