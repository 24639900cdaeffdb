package surface

import (
	"errors"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
	"go.uber.org/zap"

	"github.com/n3cloud/webterm/internal/eventloop"
	"github.com/n3cloud/webterm/internal/infrastructure/logging"
)

var (
	ErrAttached = errors.New("surface: already attached")
	ErrDisposed = errors.New("surface: disposed")
)

const (
	DefaultCols = 80
	DefaultRows = 24

	readChunk = 4096
)

// Config configures a Surface.
type Config struct {
	Cols, Rows int
	// Scrollback caps the retained buffer in bytes. Zero keeps everything.
	Scrollback int
	Logger     *logging.Logger
}

// Surface is a terminal screen: it renders output text, captures raw input
// and tracks its geometry in character cells.
//
// Write, Fit and Dispose are meant to run on the event loop. Captured input
// and resize signals are posted there as well.
type Surface struct {
	loop   *eventloop.Loop
	logger *logging.Logger
	limit  int

	mu         sync.Mutex
	buf        strings.Builder
	out        io.Writer
	area       Area
	cols, rows int
	attached   bool
	disposed   bool
	stop       chan struct{}
	detachers  []func()

	onInput       func([]byte)
	onInputClosed func(error)
	onResize      func(cols, rows int)
}

// New returns a detached surface.
func New(loop *eventloop.Loop, cfg Config) *Surface {
	if cfg.Cols <= 0 {
		cfg.Cols = DefaultCols
	}
	if cfg.Rows <= 0 {
		cfg.Rows = DefaultRows
	}
	return &Surface{
		loop:   loop,
		logger: logging.OrNop(cfg.Logger).Named("surface"),
		limit:  cfg.Scrollback,
		cols:   cfg.Cols,
		rows:   cfg.Rows,
		stop:   make(chan struct{}),
	}
}

// OnInput sets the handler for captured input. Each call receives one
// uninterpreted chunk exactly as read.
func (s *Surface) OnInput(fn func(p []byte)) {
	s.mu.Lock()
	s.onInput = fn
	s.mu.Unlock()
}

// OnInputClosed sets the handler called once the input reader stops, with
// the reader's error (io.EOF for end of input).
func (s *Surface) OnInputClosed(fn func(err error)) {
	s.mu.Lock()
	s.onInputClosed = fn
	s.mu.Unlock()
}

// OnResize sets the handler told about geometry changes made by Fit.
func (s *Surface) OnResize(fn func(cols, rows int)) {
	s.mu.Lock()
	s.onResize = fn
	s.mu.Unlock()
}

// Attach binds the surface to a display area and starts capturing input.
// Text written before Attach is replayed to output. A nil input disables
// capture.
func (s *Surface) Attach(area Area, input io.Reader, output io.Writer) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	if s.attached {
		s.mu.Unlock()
		return ErrAttached
	}
	s.attached = true
	s.area = area
	s.out = output
	pending := s.buf.String()
	stop := s.stop
	s.mu.Unlock()

	if output != nil && pending != "" {
		_, _ = io.WriteString(output, pending)
	}
	if input != nil {
		go s.capture(input, stop)
	}
	return nil
}

// unreader takes back input that a disposed surface read but will not
// deliver. Handoff implements it.
type unreader interface {
	Unread(p []byte)
}

// capture delivers input until stop. A chunk read after stop is handed
// back when r supports it and dropped otherwise.
func (s *Surface) capture(r io.Reader, stop <-chan struct{}) {
	buf := make([]byte, readChunk)
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case <-stop:
				if u, ok := r.(unreader); ok {
					u.Unread(chunk)
				}
				return
			default:
			}
			if !s.loop.Post(func() { s.deliver(chunk) }) {
				return
			}
		}
		if err != nil {
			s.loop.Post(func() { s.inputClosed(err) })
			return
		}
	}
}

func (s *Surface) deliver(p []byte) {
	s.mu.Lock()
	fn := s.onInput
	disposed := s.disposed
	s.mu.Unlock()
	if disposed || fn == nil {
		return
	}
	fn(p)
}

func (s *Surface) inputClosed(err error) {
	s.mu.Lock()
	fn := s.onInputClosed
	disposed := s.disposed
	s.mu.Unlock()
	if err != io.EOF {
		s.logger.Debug("Input reader stopped", zap.Error(err))
	}
	if disposed || fn == nil {
		return
	}
	fn(err)
}

// Write renders text. It is ignored after Dispose.
func (s *Surface) Write(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.buf.WriteString(text)
	s.trim()
	out := s.out
	s.mu.Unlock()

	if out != nil {
		if _, err := io.WriteString(out, text); err != nil {
			s.logger.Debug("Output write failed", zap.Error(err))
		}
	}
}

// trim drops the oldest text beyond the scrollback limit, cutting on a rune
// boundary. Caller holds mu.
func (s *Surface) trim() {
	if s.limit <= 0 || s.buf.Len() <= s.limit {
		return
	}
	kept := s.buf.String()
	cut := len(kept) - s.limit
	for cut < len(kept) && !utf8.RuneStart(kept[cut]) {
		cut++
	}
	s.buf.Reset()
	s.buf.WriteString(kept[cut:])
}

// Buffer returns everything written so far, escape sequences included.
func (s *Surface) Buffer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// Plain returns the buffer with ANSI escape sequences removed.
func (s *Surface) Plain() string {
	return ansi.Strip(s.Buffer())
}

// Size returns the current geometry.
func (s *Surface) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Fit recomputes the geometry from the attached area. Before Attach, after
// Dispose, or when the area cannot be measured it does nothing; it never
// fails.
func (s *Surface) Fit() {
	s.mu.Lock()
	if !s.attached || s.disposed || s.area == nil {
		s.mu.Unlock()
		return
	}
	area := s.area
	s.mu.Unlock()

	cols, rows, err := area.Size()
	if err != nil {
		s.logger.Debug("Fit skipped", zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.disposed || (cols == s.cols && rows == s.rows) {
		s.mu.Unlock()
		return
	}
	s.cols, s.rows = cols, rows
	fn := s.onResize
	s.mu.Unlock()

	s.logger.Debug("Resized", zap.Int("cols", cols), zap.Int("rows", rows))
	if fn != nil {
		fn(cols, rows)
	}
}

// Listen refits the surface on every signal from source. Fits run on the
// event loop. The returned function detaches the listener and may be called
// more than once.
func (s *Surface) Listen(source ResizeSource) (detach func()) {
	cancel := source.Subscribe(func() {
		s.loop.Post(s.Fit)
	})

	var once sync.Once
	detach = func() { once.Do(cancel) }

	s.mu.Lock()
	disposed := s.disposed
	if !disposed {
		s.detachers = append(s.detachers, detach)
	}
	s.mu.Unlock()

	if disposed {
		detach()
	}
	return detach
}

// Dispose stops input capture and resize listeners. Later writes and fits
// are ignored. Safe to call more than once.
func (s *Surface) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	close(s.stop)
	detachers := s.detachers
	s.detachers = nil
	s.mu.Unlock()

	for _, d := range detachers {
		d()
	}
}

// Disposed reports whether Dispose has been called.
func (s *Surface) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}
