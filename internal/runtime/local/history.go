package local

import "sync"

// history is a fixed-size ring of the most recent process output, replayed
// to new attachers.
type history struct {
	mu   sync.RWMutex
	data []byte
	size int
	head int
	tail int
	full bool
}

func newHistory(size int) *history {
	return &history{data: make([]byte, size), size: size}
}

// Write appends p, overwriting the oldest bytes once full.
func (h *history) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(p) >= h.size {
		copy(h.data, p[len(p)-h.size:])
		h.head, h.tail, h.full = 0, 0, true
		return len(p), nil
	}
	for _, c := range p {
		h.data[h.tail] = c
		h.tail = (h.tail + 1) % h.size
		if h.full {
			h.head = h.tail
		} else if h.tail == h.head {
			h.full = true
		}
	}
	return len(p), nil
}

// Snapshot returns a copy of the retained bytes, oldest first. Unlike a
// read it leaves them in place.
func (h *history) Snapshot() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.full && h.head == h.tail {
		return nil
	}
	if h.tail > h.head {
		return append([]byte(nil), h.data[h.head:h.tail]...)
	}
	out := make([]byte, 0, h.size)
	out = append(out, h.data[h.head:]...)
	return append(out, h.data[:h.tail]...)
}
