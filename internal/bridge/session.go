package bridge

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/n3cloud/webterm/internal/eventloop"
	"github.com/n3cloud/webterm/internal/infrastructure/logging"
	"github.com/n3cloud/webterm/internal/surface"
	"github.com/n3cloud/webterm/internal/transport"
)

// RefitDelay is how long after the connection opens the surface is refit,
// giving the layout time to settle.
const RefitDelay = 10 * time.Millisecond

// ClosedMarker is written to the surface when the connection ends.
const ClosedMarker = "\r\n[connection closed]\r\n"

// Config configures a Session.
type Config struct {
	Transport transport.Config
	// RefitDelay overrides the package default when positive.
	RefitDelay time.Duration
	// OnConnectionChange is called on the event loop with true when the
	// connection opens and false when it closes.
	OnConnectionChange func(connected bool)
	Logger             *logging.Logger
}

// Session binds one transport to one surface for the lifetime of a
// terminal view.
type Session struct {
	loop      *eventloop.Loop
	logger    *logging.Logger
	transport *transport.Transport
	surface   *surface.Surface
	delay     time.Duration
	onChange  func(bool)

	mu        sync.Mutex
	detach    func()
	refit     *time.Timer
	connected bool
	closed    bool

	done     chan struct{}
	doneOnce sync.Once
}

// Open creates the transport for d, wires it to surf and starts the
// handshake. surf should already be attached. A nil source disables
// viewport resize listening.
func Open(ctx context.Context, loop *eventloop.Loop, base *url.URL, d transport.Descriptor,
	surf *surface.Surface, source surface.ResizeSource, cfg Config) (*Session, error) {
	logger := logging.OrNop(cfg.Logger)
	tcfg := cfg.Transport
	if tcfg.Logger == nil {
		tcfg.Logger = logger
	}

	tr, err := transport.New(loop, base, d, tcfg)
	if err != nil {
		return nil, err
	}

	delay := cfg.RefitDelay
	if delay <= 0 {
		delay = RefitDelay
	}

	s := &Session{
		loop:      loop,
		logger:    logger.Named("bridge").With(zap.String("endpoint", tr.Endpoint())),
		transport: tr,
		surface:   surf,
		delay:     delay,
		onChange:  cfg.OnConnectionChange,
		done:      make(chan struct{}),
	}

	surf.OnInput(tr.Write)
	surf.OnResize(tr.Resize)
	tr.SetObserver(s)
	if source != nil {
		s.detach = surf.Listen(source)
	}

	if err := tr.Open(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Transport returns the underlying transport.
func (s *Session) Transport() *transport.Transport {
	return s.transport
}

// Surface returns the surface the session renders into.
func (s *Session) Surface() *surface.Surface {
	return s.surface
}

// Connected reports whether the connection is open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Done is closed after the connection has closed and the close has been
// rendered.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// OnOpen implements transport.Observer.
func (s *Session) OnOpen() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.connected = true
	s.refit = time.AfterFunc(s.delay, func() {
		s.loop.Post(s.refitNow)
	})
	s.mu.Unlock()

	s.logger.Info("Session connected")
	s.notify(true)
}

func (s *Session) refitNow() {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	cols, rows := s.surface.Size()
	s.surface.Fit()
	// The remote side starts with its own default geometry; tell it ours
	// even when the fit changed nothing.
	if c, r := s.surface.Size(); c == cols && r == rows {
		s.transport.Resize(c, r)
	}
}

// OnMessage implements transport.Observer.
func (s *Session) OnMessage(text string) {
	s.surface.Write(text)
}

// OnClose implements transport.Observer.
func (s *Session) OnClose(reason transport.CloseReason, err error) {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	if reason == transport.CloseError && err != nil {
		s.logger.Warn("Session closed with error", zap.Error(err))
		s.surface.Write(fmt.Sprintf("%s[%v]\r\n", ClosedMarker, err))
	} else {
		s.logger.Info("Session closed")
		s.surface.Write(ClosedMarker)
	}

	s.notify(false)
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) notify(connected bool) {
	if s.onChange != nil {
		s.onChange(connected)
	}
}

// Close tears the view down in any state: it closes the transport,
// disposes the surface, detaches the resize listener and cancels a pending
// refit. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	detach := s.detach
	refit := s.refit
	s.mu.Unlock()

	if err := s.transport.Close(); err != nil {
		s.logger.Debug("Transport close", zap.Error(err))
	}
	if refit != nil {
		refit.Stop()
	}
	if detach != nil {
		detach()
	}
	// Dispose after the close event so the marker still renders.
	if !s.loop.Post(s.surface.Dispose) {
		s.surface.Dispose()
	}
}
