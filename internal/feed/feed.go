// Package feed fans plan events out to live subscribers (SSE streams and
// websocket clients).
package feed

import (
	"log/slog"
	"sync"

	"gttdesk/internal/domain"
)

// Feed is an in-process pub/sub of plan events. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Feed struct {
	log *slog.Logger

	mu      sync.Mutex
	nextID  int
	subs    map[int]chan domain.Event
	dropped map[int]int
}

// New creates an empty Feed.
func New(log *slog.Logger) *Feed {
	if log == nil {
		log = slog.Default()
	}
	return &Feed{
		log:     log,
		subs:    make(map[int]chan domain.Event),
		dropped: make(map[int]int),
	}
}

// Subscribe returns a subscription id and a channel that receives events.
// bufSize controls the channel buffer.
func (f *Feed) Subscribe(bufSize int) (int, <-chan domain.Event) {
	ch := make(chan domain.Event, bufSize)
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (f *Feed) Unsubscribe(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[id]; ok {
		delete(f.subs, id)
		close(ch)
		if n := f.dropped[id]; n > 0 {
			f.log.Debug("subscriber dropped events", "subscriber", id, "dropped", n)
		}
		delete(f.dropped, id)
	}
}

// Publish delivers events to every subscriber.
func (f *Feed) Publish(events ...domain.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range events {
		for id, ch := range f.subs {
			select {
			case ch <- ev:
			default:
				f.dropped[id]++
			}
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
