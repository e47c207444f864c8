package live

import (
	"sync"

	"github.com/gridsense/gridsense/pkg/types"
)

// History is a fixed-capacity ring of live readings in receipt order. Once full
// the oldest reading is evicted on every Add.
type History struct {
	mu       sync.RWMutex
	data     []types.LiveReading
	capacity int
	head     int // index of the next write
	size     int
}

// NewHistory creates a history holding at most capacity readings. A capacity
// below 1 is raised to 1.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{
		data:     make([]types.LiveReading, capacity),
		capacity: capacity,
	}
}

// Add appends a reading, evicting the oldest one when full.
func (h *History) Add(r types.LiveReading) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.data[h.head] = r
	h.head = (h.head + 1) % h.capacity
	if h.size < h.capacity {
		h.size++
	}
}

// All returns a copy of the readings, oldest first.
func (h *History) All() []types.LiveReading {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.size == 0 {
		return nil
	}
	out := make([]types.LiveReading, 0, h.size)
	if h.size < h.capacity {
		return append(out, h.data[:h.head]...)
	}
	// full: head points at the oldest reading
	out = append(out, h.data[h.head:]...)
	return append(out, h.data[:h.head]...)
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

func (h *History) Cap() int {
	return h.capacity
}
