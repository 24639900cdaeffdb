// Package eventloop provides the single logical thread on which all
// terminal-session callbacks run.
//
// Socket readers, stdin capture and signal handlers live on their own
// goroutines but never touch session state directly: they Post a callback
// and the loop runs callbacks one at a time, to completion, in the order
// they were posted. Posting from inside a callback is allowed; the queue
// is unbounded so it never deadlocks.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/n3cloud/webterm/internal/infrastructure/logging"
)

// ErrStopped is returned when waiting on a loop that has stopped.
var ErrStopped = errors.New("event loop stopped")

// Loop is a serial callback dispatcher.
type Loop struct {
	logger *logging.Logger

	mu      sync.Mutex
	pending []func()
	stopped bool

	wake chan struct{}
	done chan struct{}
}

// New creates a loop. Call Run (usually in its own goroutine) to start
// dispatching.
func New(logger *logging.Logger) *Loop {
	return &Loop{
		logger: logging.OrNop(logger).Named("eventloop"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post queues fn to run on the loop. It reports false if the loop has
// already stopped, in which case fn is discarded.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Run dispatches callbacks until ctx is done or Stop is called. Callbacks
// still queued at that point are dropped.
func (l *Loop) Run(ctx context.Context) {
	defer l.shutdown()

	for {
		batch := l.take()
		for _, fn := range batch {
			if l.isStopped() {
				return
			}
			l.dispatch(fn)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case <-l.wake:
		}
	}
}

// Stop ends Run. Safe to call more than once and from inside a callback.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	close(l.done)
}

// Done is closed once the loop stops accepting callbacks.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Flush waits until every callback posted before the call has run.
func (l *Loop) Flush(ctx context.Context) error {
	reached := make(chan struct{})
	if !l.Post(func() { close(reached) }) {
		return ErrStopped
	}
	select {
	case <-reached:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call runs fn on the loop and waits for it to return. It must not be
// used from a callback already running on the loop.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	reached := make(chan struct{})
	if !l.Post(func() {
		defer close(reached)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-reached:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *Loop) take() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return nil
	}
	batch := l.pending
	l.pending = nil
	return batch
}

// dispatch runs one callback. A panicking callback is logged and the loop
// keeps going.
func (l *Loop) dispatch(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("callback panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}

func (l *Loop) shutdown() {
	l.Stop()
	l.mu.Lock()
	l.pending = nil
	l.mu.Unlock()
}
