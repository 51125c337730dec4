// Package events fans redirect offers out to connected subscribers.
package events

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/redirect"
)

const defaultBuffer = 16

// Subscriber receives offers on C until it is unsubscribed.
type Subscriber struct {
	ID string
	C  <-chan redirect.Offer

	ch chan redirect.Offer
}

// Hub is a redirect.Publisher that never blocks the caller: a subscriber
// whose buffer is full misses the offer.
type Hub struct {
	buffer int
	log    *zap.Logger

	mu     sync.RWMutex
	subs   map[string]*Subscriber
	closed bool
}

func NewHub(buffer int, log *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		buffer: buffer,
		log:    log,
		subs:   make(map[string]*Subscriber),
	}
}

// Subscribe registers a new subscriber. After Close it returns a
// subscriber whose channel is already closed.
func (h *Hub) Subscribe() *Subscriber {
	ch := make(chan redirect.Offer, h.buffer)
	s := &Subscriber{ID: uuid.NewString(), C: ch, ch: ch}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return s
	}
	h.subs[s.ID] = s
	return s
}

// Unsubscribe removes the subscriber and closes its channel. Unknown ids
// are ignored.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(s.ch)
	}
}

func (h *Hub) Publish(o redirect.Offer) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, s := range h.subs {
		select {
		case s.ch <- o:
		default:
			h.log.Warn("subscriber too slow, offer dropped",
				zap.String("subscriber", id),
				zap.String("matched_domain", o.MatchedDomain))
		}
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.ch)
	}
	h.closed = true
}

var _ redirect.Publisher = (*Hub)(nil)
