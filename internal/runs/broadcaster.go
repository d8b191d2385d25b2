package runs

import (
	"sync"

	"github.com/sqlshift/sqlshift/internal/core"
)

const (
	defaultHistoryLimit = 1000
	subscriberBuffer    = 64
)

// Broadcaster fans scheduler events out to live subscribers and keeps a
// bounded history for late joiners. Publish never blocks: a subscriber that
// falls a full buffer behind is dropped and its channel closed.
type Broadcaster struct {
	mu      sync.Mutex
	history []core.Event
	limit   int
	subs    map[int]chan core.Event
	nextID  int
	closed  bool
}

// NewBroadcaster returns a broadcaster keeping at most limit events.
func NewBroadcaster(limit int) *Broadcaster {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &Broadcaster{limit: limit, subs: make(map[int]chan core.Event)}
}

// Notify implements engine.Notifier.
func (b *Broadcaster) Notify(event core.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.history = append(b.history, event)
	if over := len(b.history) - b.limit; over > 0 {
		b.history = append([]core.Event(nil), b.history[over:]...)
	}

	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			close(ch)
			delete(b.subs, id)
		}
	}
}

// Subscribe returns the history so far and a channel of later events. The
// channel is closed when the broadcaster closes or the subscriber lags.
// Call cancel to unsubscribe.
func (b *Broadcaster) Subscribe() (history []core.Event, events <-chan core.Event, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	history = append([]core.Event(nil), b.history...)
	ch := make(chan core.Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return history, ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				close(sub)
				delete(b.subs, id)
			}
		})
	}
	return history, ch, cancel
}

// History returns a copy of the retained events.
func (b *Broadcaster) History() []core.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]core.Event(nil), b.history...)
}

// Close ends every subscription. Later events are dropped.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
