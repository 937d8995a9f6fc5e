package pathview

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

const subscriberBuffer = 64

type Subscriber struct {
	Updates chan Update
}

// Hub fans track updates out to the live subscribers. A subscriber that does
// not keep up misses updates, the broadcaster never blocks.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
	closed      bool
}

func NewHub() *Hub {
	return &Hub{
		subscribers: map[*Subscriber]struct{}{},
	}
}

func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{
		Updates: make(chan Update, subscriberBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.Updates)
		return sub
	}
	h.subscribers[sub] = struct{}{}
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub]; ok {
		delete(h.subscribers, sub)
		close(sub.Updates)
	}
}

func (h *Hub) Broadcast(update Update) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subscribers {
		select {
		case sub.Updates <- update:
		default:
			log.Tracef("pathview hub: subscriber too slow, dropped %s update", update.Kind)
		}
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		close(sub.Updates)
	}
	h.subscribers = map[*Subscriber]struct{}{}
	h.closed = true
}
