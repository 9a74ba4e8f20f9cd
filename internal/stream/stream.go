// Package stream fans access decisions out to live subscribers such as the
// /api/events feed.
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/londonhackspace/acserver/internal/acl"
)

const bufferSize = 16

// Hub is an acl.EventSink that copies each event to every subscriber.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]chan acl.Event
	next    int
	dropped atomic.Uint64
}

var _ acl.EventSink = (*Hub)(nil)

func New() *Hub {
	return &Hub{subs: make(map[int]chan acl.Event)}
}

// Subscribe registers a subscriber. The channel is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context) <-chan acl.Event {
	ch := make(chan acl.Event, bufferSize)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Record publishes ev. A subscriber whose buffer is full misses it.
func (h *Hub) Record(ev acl.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers reports how many subscribers are attached.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts events lost to slow subscribers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }
