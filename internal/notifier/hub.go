package notifier

import (
	"context"
	"sync"

	"github.com/italolelis/download_manager/internal/download"
)

// Hub broadcasts notifications to any number of subscribers. A subscriber that
// falls behind loses notifications instead of slowing the publisher.
type Hub struct {
	buffer int

	mu   sync.RWMutex
	subs map[chan download.Record]struct{}
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}

	return &Hub{
		buffer: buffer,
		subs:   make(map[chan download.Record]struct{}),
	}
}

// Subscribe registers a new subscriber. The returned function unregisters it
// and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe() (<-chan download.Record, func()) {
	ch := make(chan download.Record, h.buffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()

			close(ch)
		})
	}
}

func (h *Hub) Notify(_ context.Context, record download.Record) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs {
		select {
		case ch <- record:
		default:
		}
	}

	return nil
}

// Subscribers returns the current number of subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subs)
}
