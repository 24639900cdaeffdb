package surface

import (
	"io"
	"sync"
)

// Handoff is an input shared by successive surfaces, such as the one
// process stdin across relaunches. A single goroutine reads the underlying
// reader; a chunk picked up by a surface that was disposed meanwhile is
// pushed back and read first by the next surface.
type Handoff struct {
	r     io.Reader
	start sync.Once

	mu      sync.Mutex
	cond    *sync.Cond
	pending [][]byte
	err     error
}

// NewHandoff wraps r. Reading starts on the first Read.
func NewHandoff(r io.Reader) *Handoff {
	h := &Handoff{r: r}
	h.cond = sync.NewCond(&h.mu)
	return h
}

func (h *Handoff) pump() {
	buf := make([]byte, readChunk)
	for {
		n, err := h.r.Read(buf)
		h.mu.Lock()
		if n > 0 {
			h.pending = append(h.pending, append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			h.err = err
		}
		h.cond.Broadcast()
		h.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// Read returns the oldest unread chunk, or the reader's error once every
// chunk has been read.
func (h *Handoff) Read(p []byte) (int, error) {
	h.start.Do(func() { go h.pump() })

	h.mu.Lock()
	defer h.mu.Unlock()
	for len(h.pending) == 0 && h.err == nil {
		h.cond.Wait()
	}
	if len(h.pending) == 0 {
		return 0, h.err
	}
	n := copy(p, h.pending[0])
	if n < len(h.pending[0]) {
		h.pending[0] = h.pending[0][n:]
	} else {
		h.pending = h.pending[1:]
	}
	return n, nil
}

// Unread puts p back in front of every chunk not yet read.
func (h *Handoff) Unread(p []byte) {
	if len(p) == 0 {
		return
	}
	h.mu.Lock()
	h.pending = append([][]byte{append([]byte(nil), p...)}, h.pending...)
	h.cond.Broadcast()
	h.mu.Unlock()
}
