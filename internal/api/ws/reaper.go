package ws

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/n3cloud/webterm/internal/infrastructure/logging"
	"github.com/n3cloud/webterm/internal/infrastructure/monitoring"
	"github.com/n3cloud/webterm/internal/runtime"
)

// Reaper stops containers that no terminal has used for a while. Each
// socket holds a container with Acquire and lets go with Release; when the
// last one lets go, the container is stopped after the configured delay
// unless a new socket acquires it first.
type Reaper struct {
	runtime runtime.Runtime
	delay   time.Duration
	metrics *monitoring.Metrics
	logger  *logging.Logger

	mu      sync.Mutex
	holders map[string]int
	timers  map[string]*time.Timer
	wg      sync.WaitGroup
}

// NewReaper creates a reaper that stops containers delay after their last
// socket closes.
func NewReaper(rt runtime.Runtime, delay time.Duration, metrics *monitoring.Metrics, logger *logging.Logger) *Reaper {
	if metrics == nil {
		metrics = monitoring.NewMetrics()
	}
	return &Reaper{
		runtime: rt,
		delay:   delay,
		metrics: metrics,
		logger:  logging.OrNop(logger).Named("reaper"),
		holders: make(map[string]int),
		timers:  make(map[string]*time.Timer),
	}
}

// Acquire marks containerID as in use and cancels a pending stop.
func (r *Reaper) Acquire(containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.holders[containerID]++
	if t, ok := r.timers[containerID]; ok && t.Stop() {
		delete(r.timers, containerID)
		r.wg.Done()
		r.logger.Debug("Pending stop cancelled", zap.String("container_id", containerID))
	}
}

// Release drops one hold. The last release schedules the stop.
func (r *Reaper) Release(containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.holders[containerID] > 1 {
		r.holders[containerID]--
		return
	}
	delete(r.holders, containerID)
	if _, ok := r.timers[containerID]; ok {
		return
	}

	r.wg.Add(1)
	r.timers[containerID] = time.AfterFunc(r.delay, func() {
		defer r.wg.Done()
		r.mu.Lock()
		delete(r.timers, containerID)
		reacquired := r.holders[containerID] > 0
		r.mu.Unlock()
		if !reacquired {
			r.stop(context.Background(), containerID)
		}
	})
}

// Pending returns the number of scheduled stops.
func (r *Reaper) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Flush runs every pending stop now and waits for running ones.
func (r *Reaper) Flush(ctx context.Context) {
	r.mu.Lock()
	var due []string
	for id, t := range r.timers {
		if t.Stop() {
			due = append(due, id)
			delete(r.timers, id)
		}
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range due {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.wg.Done()
			r.stop(ctx, id)
		}()
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// stop is best effort: failures are logged and dropped.
func (r *Reaper) stop(ctx context.Context, containerID string) {
	ctx, cancel := context.WithTimeout(ctx, runtime.StopTimeout+10*time.Second)
	defer cancel()

	if err := r.runtime.Stop(ctx, containerID); err != nil {
		r.logger.Warn("Idle stop failed", zap.String("container_id", containerID), zap.Error(err))
		return
	}
	r.metrics.RecordStop("idle")
	r.logger.Info("Idle container stopped", zap.String("container_id", containerID))
}
