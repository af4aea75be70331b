package web

import (
	"sync"
)

// clientBuffer sizes subscriber channels to absorb cascade bursts: one value
// change can fan out into candidates/value/dirty events for a whole subtree.
const clientBuffer = 256

// Hub routes session events to SSE subscribers. A subscriber follows either
// one session or every session; routing happens here so the HTTP handler
// only writes frames. thread-safe.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan Event]string // channel -> session filter, "" follows all
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[chan Event]string),
	}
}

// Subscribe registers a subscriber for one session's events; an empty
// sessionID follows every session. The returned channel is buffered
// (clientBuffer) and owned by the hub until Unsubscribe.
func (h *Hub) Subscribe(sessionID string) chan Event {
	ch := make(chan Event, clientBuffer)

	h.mu.Lock()
	h.clients[ch] = sessionID
	h.mu.Unlock()

	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
// safe to call multiple times with the same channel.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

// Broadcast delivers an event to every subscriber whose filter matches the
// event's session. sends are non-blocking; a subscriber with a full buffer
// misses the event rather than stalling the cascade.
func (h *Hub) Broadcast(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch, filter := range h.clients {
		if filter != "" && filter != e.SessionID {
			continue
		}
		select {
		case ch <- e:
		default: // subscriber buffer full, drop
		}
	}
}

// ClientCount returns the number of current subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// Close unsubscribes all clients and closes their channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.clients {
		close(ch)
		delete(h.clients, ch)
	}
}
