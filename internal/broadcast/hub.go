// Package broadcast fans out ride-state changes to every client
// currently observing a ride. Publishing never blocks on a slow
// consumer: a subscriber that cannot keep up is dropped, the event is
// not.
package broadcast

import (
	"sync"
	"time"

	"github.com/example/rescue-dispatch/internal/models"
	"github.com/example/rescue-dispatch/internal/observability"
)

const (
	EventRideRequested  = "ride-requested"
	EventRideStatus     = "ride-status"
	EventPaymentUpdated = "ride-payment-updated"
	EventSnapshot       = "ride-snapshot"
)

type Event struct {
	Type string       `json:"type"`
	Ride *models.Ride `json:"ride"`
	At   time.Time    `json:"at"`
}

// Subscription is one observer of one ride. C closes when the hub
// drops the subscriber or Close is called; Close is idempotent and
// must be called when the client disconnects.
type Subscription struct {
	C      <-chan Event
	hub    *Hub
	rideID string
	ch     chan Event
	once   sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s.rideID, s)
		close(s.ch)
	})
}

// Hub is an in-process publish/subscribe registry keyed by ride id.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{subs: make(map[string]map[*Subscription]struct{}), buffer: buffer}
}

func (h *Hub) Subscribe(rideID string) *Subscription {
	ch := make(chan Event, h.buffer)
	sub := &Subscription{C: ch, hub: h, rideID: rideID, ch: ch}
	h.mu.Lock()
	if h.subs[rideID] == nil {
		h.subs[rideID] = make(map[*Subscription]struct{})
	}
	h.subs[rideID][sub] = struct{}{}
	h.mu.Unlock()
	observability.StreamSubscriptions.Inc()
	return sub
}

// Publish delivers ev to all current subscribers of rideID. A full
// subscriber buffer counts as a write failure and tears that
// subscription down rather than stalling the publisher.
func (h *Hub) Publish(rideID string, ev Event) {
	h.mu.RLock()
	var stuck []*Subscription
	for sub := range h.subs[rideID] {
		select {
		case sub.ch <- ev:
		default:
			stuck = append(stuck, sub)
		}
	}
	h.mu.RUnlock()
	for _, sub := range stuck {
		sub.Close()
	}
}

// Subscribers reports how many observers a ride currently has.
func (h *Hub) Subscribers(rideID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[rideID])
}

func (h *Hub) remove(rideID string, sub *Subscription) {
	h.mu.Lock()
	if set, ok := h.subs[rideID]; ok {
		if _, present := set[sub]; present {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, rideID)
			}
			observability.StreamSubscriptions.Dec()
		}
	}
	h.mu.Unlock()
}
