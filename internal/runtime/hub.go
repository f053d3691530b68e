package runtime

import (
	"sync"

	"github.com/loqalabs/loqa-rooms/internal/protocol"
)

// hubBuffer is how many events a slow subscriber may fall behind before
// events are dropped for it.
const hubBuffer = 64

// Hub fans room events out to in-process subscribers such as WebSocket
// clients.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan protocol.RoomEvent]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan protocol.RoomEvent]struct{})}
}

// Subscribe returns a channel of events for room and a function that ends
// the subscription and closes the channel.
func (h *Hub) Subscribe(room string) (<-chan protocol.RoomEvent, func()) {
	ch := make(chan protocol.RoomEvent, hubBuffer)
	h.mu.Lock()
	if h.subs[room] == nil {
		h.subs[room] = make(map[chan protocol.RoomEvent]struct{})
	}
	h.subs[room][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[room], ch)
			if len(h.subs[room]) == 0 {
				delete(h.subs, room)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish never blocks.
func (h *Hub) Publish(ev protocol.RoomEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[ev.Room] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *Hub) Subscribers(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[room])
}
