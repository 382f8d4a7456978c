package state

import (
	"sync"
	"sync/atomic"
)

// Hub fans outbound events to subscribers. Publishing never blocks the
// control plane: a subscriber that falls behind loses its oldest events.
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

type Subscription struct {
	C   chan Event
	hub *Hub

	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a consumer. Close the subscription when done.
func (h *Hub) Subscribe() *Subscription {
	s := &Subscription{
		C:   make(chan Event, EventQueueDepth),
		hub: h,
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (s *Subscription) Close() {
	s.hub.mu.Lock()
	if _, ok := s.hub.subs[s]; ok {
		delete(s.hub.subs, s)
		close(s.C)
	}
	s.hub.mu.Unlock()
}

// Dropped returns how many events this subscriber has lost.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Publish delivers the event to every subscriber, evicting the oldest queued
// event of any subscriber whose buffer is full.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		for {
			select {
			case s.C <- ev:
			default:
				select {
				case <-s.C:
					s.dropped.Add(1)
				default:
				}
				continue
			}
			break
		}
	}
}
