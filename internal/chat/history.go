package chat

import "sync"

// DefaultHistorySize is the number of public messages retained per room.
const DefaultHistorySize = 100

// RoomHistory stores the last N public messages per room in memory.
// It is goroutine-safe and uses a ring buffer internally.
type RoomHistory struct {
	mu      sync.RWMutex
	size    int
	buffers map[string]*ringBuffer // room -> ring buffer
}

// ringBuffer is a fixed-size circular buffer of PublicMessage.
type ringBuffer struct {
	items []PublicMessage
	pos   int
	count int
}

// NewRoomHistory creates an empty history keeping size messages per room.
// size <= 0 selects DefaultHistorySize.
func NewRoomHistory(size int) *RoomHistory {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &RoomHistory{
		size:    size,
		buffers: make(map[string]*ringBuffer),
	}
}

// Add appends a message to its room's ring buffer, overwriting the oldest
// message when full.
func (h *RoomHistory) Add(msg PublicMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rb, ok := h.buffers[msg.Room]
	if !ok {
		rb = &ringBuffer{items: make([]PublicMessage, h.size)}
		h.buffers[msg.Room] = rb
	}

	rb.items[rb.pos] = msg
	rb.pos = (rb.pos + 1) % h.size
	if rb.count < h.size {
		rb.count++
	}
}

// Last returns up to limit of the newest messages of a room in chronological
// order (oldest first). limit <= 0 returns everything retained.
func (h *RoomHistory) Last(room string, limit int) []PublicMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rb, ok := h.buffers[room]
	if !ok {
		return []PublicMessage{}
	}

	n := rb.count
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]PublicMessage, n)
	// The oldest wanted message is n slots behind the write position.
	start := (rb.pos - n + h.size) % h.size
	for i := 0; i < n; i++ {
		result[i] = rb.items[(start+i)%h.size]
	}
	return result
}
