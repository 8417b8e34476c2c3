package game

import "sync"

// DefaultSendBuffer is the per-connection queue length used by NewHub.
const DefaultSendBuffer = 16

// Hub fans messages out to live connections. It is the only component that
// knows about individual connections; a subscriber that cannot keep up is
// dropped and its channel closed.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]chan any
	buffer  int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Hub{
		clients: make(map[string]chan any),
		buffer:  buffer,
	}
}

// Register adds a connection and returns the channel its writer drains.
func (h *Hub) Register(id string) <-chan any {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.clients[id]; ok {
		close(old)
	}
	ch := make(chan any, h.buffer)
	h.clients[id] = ch
	return ch
}

// Unregister removes the connection and closes its channel.
func (h *Hub) Unregister(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.clients[id]
	if !ok {
		return false
	}
	delete(h.clients, id)
	close(ch)
	return true
}

func (h *Hub) Has(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.clients[id]
	return ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// Send queues msg for a single connection.
func (h *Hub) Send(id string, msg any) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.clients[id]
	if !ok {
		return false
	}
	return h.deliverLocked(id, ch, msg)
}

// Broadcast queues msg for every connection and returns how many accepted it.
func (h *Hub) Broadcast(msg any) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for id, ch := range h.clients {
		if h.deliverLocked(id, ch, msg) {
			n++
		}
	}
	return n
}

func (h *Hub) deliverLocked(id string, ch chan any, msg any) bool {
	select {
	case ch <- msg:
		return true
	default:
		delete(h.clients, id)
		close(ch)
		return false
	}
}
