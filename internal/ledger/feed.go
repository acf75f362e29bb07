package ledger

import (
	"context"
	"sync"
)

// Notifier receives one event per durable job write, carrying the full
// job row. Delivery to subscribers is the notifier's concern; the ledger
// only guarantees the row was written before the call.
type Notifier interface {
	JobUpdated(ctx context.Context, job Job)
}

// NopNotifier discards events.
type NopNotifier struct{}

// JobUpdated implements Notifier.
func (NopNotifier) JobUpdated(context.Context, Job) {}

// Feed is an in-process fan-out Notifier. Slow subscribers lose events
// rather than blocking ledger writers.
type Feed struct {
	mu     sync.RWMutex
	subs   map[int]chan Job
	nextID int
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[int]chan Job)}
}

// Subscribe returns a channel of job events and a function that ends the
// subscription and closes the channel.
func (f *Feed) Subscribe(buffer int) (<-chan Job, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Job, buffer)

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// JobUpdated implements Notifier.
func (f *Feed) JobUpdated(_ context.Context, job Job) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- job:
		default:
		}
	}
}
