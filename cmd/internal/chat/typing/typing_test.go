package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/neilotoole/slogt"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// waitFor polls cond; fake-clock AfterFunc callbacks run on their own goroutine.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTracker_ExpiresAfterQuietPeriod(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClockAt(epoch)
	tr := NewTracker(slogt.New(t), fc, 0)

	tr.Set("doc", true)
	if !tr.IsTyping("doc") {
		t.Fatalf("doc should be typing right after Set(true)")
	}

	fc.Advance(2999 * time.Millisecond)
	if !tr.IsTyping("doc") {
		t.Fatalf("doc should still be typing before the expiry")
	}

	fc.Advance(time.Millisecond)
	if tr.IsTyping("doc") {
		t.Fatalf("doc should stop typing once %s elapsed", DefaultExpiry)
	}
	waitFor(t, "expired entry removal", func() bool { return len(tr.Typing()) == 0 })
}

func TestTracker_RefreshRestartsExpiry(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClockAt(epoch)
	tr := NewTracker(slogt.New(t), fc, 0)

	tr.Set("doc", true)
	fc.Advance(time.Second)
	tr.Set("doc", true)

	// 3s after the first signal but only 2s after the second.
	fc.Advance(2 * time.Second)
	if !tr.IsTyping("doc") {
		t.Fatalf("expiry must be measured from the latest signal")
	}

	fc.Advance(time.Second)
	if tr.IsTyping("doc") {
		t.Fatalf("doc should expire 3s after the latest signal")
	}
}

func TestTracker_StaleTimerDoesNotRemoveRefreshedEntry(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClockAt(epoch)
	tr := NewTracker(slogt.New(t), fc, 0)

	tr.Set("doc", true)
	fc.Advance(2 * time.Second)
	tr.Set("doc", false)
	tr.Set("doc", true)

	// The first timer was stopped; advancing past its original deadline must not drop the new entry.
	fc.Advance(1500 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	if !tr.IsTyping("doc") {
		t.Fatalf("a cancelled timer removed a live entry")
	}
}

func TestTracker_FalseClearsImmediately(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClockAt(epoch)
	tr := NewTracker(slogt.New(t), fc, 0)

	tr.Set("a", true)
	tr.Set("b", true)
	tr.Set("a", false)

	if diff := cmp.Diff([]string{"b"}, tr.Typing()); diff != "" {
		t.Fatalf("Typing() mismatch (-want +got):\n%s", diff)
	}

	tr.Reset()
	if tr.IsTyping("b") {
		t.Fatalf("Reset must clear every entry")
	}
}

type recorder struct {
	mu  sync.Mutex
	got []bool
}

func (r *recorder) emit(v bool) {
	r.mu.Lock()
	r.got = append(r.got, v)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.got...)
}

func TestDebouncer_BurstEmitsOnceEachWay(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClockAt(epoch)
	rec := &recorder{}
	d := NewDebouncer(fc, 0, 0, rec.emit)

	for i := 0; i < 5; i++ {
		d.Keystroke()
		fc.Advance(200 * time.Millisecond)
	}
	if diff := cmp.Diff([]bool{true}, rec.snapshot()); diff != "" {
		t.Fatalf("during burst (-want +got):\n%s", diff)
	}

	fc.Advance(DefaultIdle)
	waitFor(t, "stopped-typing emission", func() bool { return len(rec.snapshot()) == 2 })
	if diff := cmp.Diff([]bool{true, false}, rec.snapshot()); diff != "" {
		t.Fatalf("after idle (-want +got):\n%s", diff)
	}
	if d.Active() {
		t.Fatalf("debouncer should be idle after the timer fired")
	}
}

func TestDebouncer_LongBurstRefreshes(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClockAt(epoch)
	rec := &recorder{}
	d := NewDebouncer(fc, time.Second, 2*time.Second, rec.emit)

	d.Keystroke()
	for i := 0; i < 5; i++ {
		fc.Advance(500 * time.Millisecond)
		d.Keystroke()
	}

	// 2.5s of continuous typing: one refresh at the 2s mark.
	if diff := cmp.Diff([]bool{true, true}, rec.snapshot()); diff != "" {
		t.Fatalf("refresh emissions (-want +got):\n%s", diff)
	}
}

func TestDebouncer_StopEmitsFalseOnlyWhenActive(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClockAt(epoch)
	rec := &recorder{}
	d := NewDebouncer(fc, 0, 0, rec.emit)

	d.Stop()
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("Stop on idle debouncer emitted %v", got)
	}

	d.Keystroke()
	d.Stop()
	fc.Advance(2 * DefaultIdle)
	time.Sleep(10 * time.Millisecond)

	if diff := cmp.Diff([]bool{true, false}, rec.snapshot()); diff != "" {
		t.Fatalf("emissions (-want +got):\n%s", diff)
	}
}
