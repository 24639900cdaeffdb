package surface

import (
	"os"
	"os/signal"
	"sync"
)

// ResizeSource emits a signal whenever the viewport may have changed size.
// Subscribe returns a function that removes the subscription.
type ResizeSource interface {
	Subscribe(fn func()) (cancel func())
}

// SignalSource delivers the process's window-change signal.
type SignalSource struct{}

// Subscribe implements ResizeSource. fn runs on a helper goroutine.
func (SignalSource) Subscribe(fn func()) func() {
	if resizeSignal == nil {
		return func() {}
	}

	ch := make(chan os.Signal, 1)
	stop := make(chan struct{})
	signal.Notify(ch, resizeSignal)

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ch:
				fn()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(stop)
		})
	}
}

// ManualSource is a ResizeSource driven by Trigger.
type ManualSource struct {
	mu        sync.Mutex
	next      int
	listeners map[int]func()
}

// NewManualSource returns an empty source.
func NewManualSource() *ManualSource {
	return &ManualSource{listeners: make(map[int]func())}
}

// Subscribe implements ResizeSource.
func (m *ManualSource) Subscribe(fn func()) func() {
	m.mu.Lock()
	id := m.next
	m.next++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Trigger calls every current subscriber.
func (m *ManualSource) Trigger() {
	m.mu.Lock()
	fns := make([]func(), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Subscribers reports how many listeners are attached.
func (m *ManualSource) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}
