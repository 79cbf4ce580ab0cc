package transport

import (
	"log/slog"
	"sync"
)

// Subscription identifies a handler registered with On.
type Subscription struct {
	kind EventKind
	id   uint64
}

type handlerEntry struct {
	id uint64
	fn func(Event)
}

type streamEntry struct {
	id uint64
	ch chan Event  // bounded stream
	q  *eventQueue // lossless stream
}

// Bus is the multi-subscriber fanout for inbound events.
//
// Concurrency guarantees:
//   - On/Off are safe under concurrent publish.
//   - Handlers run on the publishing goroutine, in registration order, outside the bus lock.
//   - Streams never block publish. An Events stream drops on a full buffer; a Queue
//     stream grows instead.
type Bus struct {
	log *slog.Logger

	mu       sync.RWMutex
	nextID   uint64
	handlers map[EventKind][]handlerEntry
	streams  []streamEntry
}

// NewBus constructs an empty Bus.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		log:      log,
		handlers: make(map[EventKind][]handlerEntry),
	}
}

// On registers fn for events of kind.
func (b *Bus) On(kind EventKind, fn func(Event)) Subscription {
	if fn == nil {
		return Subscription{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.handlers[kind] = append(b.handlers[kind], handlerEntry{id: b.nextID, fn: fn})
	return Subscription{kind: kind, id: b.nextID}
}

// OnAll registers h for every kind and returns one Subscription per kind.
func (b *Bus) OnAll(h Handler) []Subscription {
	subs := make([]Subscription, 0, len(Kinds))
	for _, k := range Kinds {
		subs = append(subs, b.On(k, func(ev Event) { ev.Dispatch(h) }))
	}
	return subs
}

// Off removes a handler. Unknown or zero subscriptions are ignored.
func (b *Bus) Off(sub Subscription) {
	if sub.id == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	hs := b.handlers[sub.kind]
	for i, h := range hs {
		if h.id == sub.id {
			b.handlers[sub.kind] = append(hs[:i:i], hs[i+1:]...)
			return
		}
	}
}

// Events returns a channel receiving every event, plus a cancel func that
// unregisters and closes it. Cancel is idempotent.
func (b *Bus) Events(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.streams = append(b.streams, streamEntry{id: id, ch: ch})
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.streams {
				if s.id == id {
					b.streams = append(b.streams[:i:i], b.streams[i+1:]...)
					break
				}
			}
			// Publishers send under the read lock, so closing under the write lock is safe.
			close(ch)
		})
	}
	return ch, cancel
}

// Queue returns a lossless stream: events are buffered without bound until read,
// in publish order. A warning is logged each time the backlog reaches warnAt
// (0 disables it). The returned cancel func unregisters and closes the channel;
// events still queued are discarded.
func (b *Bus) Queue(warnAt int) (<-chan Event, func()) {
	q := &eventQueue{
		warnAt: warnAt,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		out:    make(chan Event),
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.streams = append(b.streams, streamEntry{id: id, q: q})
	b.mu.Unlock()

	go q.run()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			for i, s := range b.streams {
				if s.id == id {
					b.streams = append(b.streams[:i:i], b.streams[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			close(q.stop)
		})
	}
	return q.out, cancel
}

// Publish fans ev out to handlers and streams.
func (b *Bus) Publish(ev Event) {
	if ev == nil {
		return
	}

	b.mu.RLock()
	hs := append([]handlerEntry(nil), b.handlers[ev.Kind()]...)
	for _, s := range b.streams {
		if s.q != nil {
			if n, crossed := s.q.push(ev); crossed {
				b.log.Warn("transport.bus.backlog", "stream_id", s.id, "backlog", n)
			}
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.log.Warn("transport.bus.drop", "kind", string(ev.Kind()), "stream_id", s.id)
		}
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h.fn(ev)
	}
}

// eventQueue is the unbounded FIFO behind Queue. push never blocks; run forwards
// items to out until stop is closed.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	warnAt int
	warned bool

	wake chan struct{}
	stop chan struct{}
	out  chan Event
}

// push appends ev and reports the backlog and whether it just reached warnAt.
func (q *eventQueue) push(ev Event) (int, bool) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	n := len(q.items)
	crossed := q.warnAt > 0 && n >= q.warnAt && !q.warned
	if crossed {
		q.warned = true
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return n, crossed
}

func (q *eventQueue) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.warned = false
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.stop:
				return
			}
		}
		ev := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-q.stop:
			return
		}
	}
}
