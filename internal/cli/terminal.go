package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sync"

	"golang.org/x/term"

	"github.com/n3cloud/webterm/internal/bridge"
	"github.com/n3cloud/webterm/internal/eventloop"
	"github.com/n3cloud/webterm/internal/infrastructure/logging"
	"github.com/n3cloud/webterm/internal/surface"
	"github.com/n3cloud/webterm/internal/transport"
)

// DetachKey is Ctrl-]. Raw mode passes Ctrl-C to the container, so this is
// the way out.
const DetachKey = 0x1d

// ErrDetached means the user left the session with DetachKey. The
// container keeps running.
var ErrDetached = errors.New("detached")

// detachReader passes input through until DetachKey, then reports EOF.
type detachReader struct {
	r        io.Reader
	once     sync.Once
	detached chan struct{}
}

func newDetachReader(r io.Reader) *detachReader {
	return &detachReader{r: r, detached: make(chan struct{})}
}

func (d *detachReader) Read(p []byte) (int, error) {
	select {
	case <-d.detached:
		return 0, io.EOF
	default:
	}
	n, err := d.r.Read(p)
	if i := bytes.IndexByte(p[:n], DetachKey); i >= 0 {
		d.once.Do(func() { close(d.detached) })
		return i, io.EOF
	}
	return n, err
}

// Detached is closed once DetachKey has been read.
func (d *detachReader) Detached() <-chan struct{} {
	return d.detached
}

// terminal renders sessions into the process's own tty. When in is a
// terminal it is put in raw mode until Close.
type terminal struct {
	in        *detachReader
	input     *surface.Handoff
	out       io.Writer
	fd        int
	tty       bool
	propagate bool
	logger    *logging.Logger

	loop    *eventloop.Loop
	cancel  context.CancelFunc
	restore func()
}

func openTerminal(ctx context.Context, in io.Reader, out io.Writer, propagate bool, logger *logging.Logger) (*terminal, error) {
	detach := newDetachReader(in)
	t := &terminal{
		in:        detach,
		input:     surface.NewHandoff(detach),
		out:       out,
		fd:        -1,
		propagate: propagate,
		logger:    logger,
		restore:   func() {},
	}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		t.fd = int(f.Fd())
		state, err := term.MakeRaw(t.fd)
		if err != nil {
			return nil, fmt.Errorf("failed to set raw mode: %w", err)
		}
		t.tty = true
		t.restore = func() { _ = term.Restore(t.fd, state) }
	}

	t.loop = eventloop.New(logger)
	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.loop.Run(loopCtx)
	return t, nil
}

// newSession opens a session rendered into the terminal. It matches
// orchestrator.SessionFactory. Successive sessions share stdin through
// the Handoff, so a relaunch does not lose a keystroke.
func (t *terminal) newSession(ctx context.Context, base *url.URL, d transport.Descriptor, onChange func(bool)) (*bridge.Session, error) {
	surf := surface.New(t.loop, surface.Config{Logger: t.logger})
	var (
		area   surface.Area
		source surface.ResizeSource
	)
	if t.tty {
		area = surface.TTYArea{Fd: t.fd}
		source = surface.SignalSource{}
	}
	if err := surf.Attach(area, t.input, t.out); err != nil {
		return nil, err
	}

	tcfg := transport.DefaultConfig()
	tcfg.PropagateResize = t.propagate
	sess, err := bridge.Open(ctx, t.loop, base, d, surf, source, bridge.Config{
		Transport:          tcfg,
		OnConnectionChange: onChange,
		Logger:             t.logger,
	})
	if err != nil {
		surf.Dispose()
		return nil, err
	}
	return sess, nil
}

// wait blocks until the session ends, the user detaches or ctx is done.
func (t *terminal) wait(ctx context.Context, sess *bridge.Session) error {
	select {
	case <-sess.Done():
		return nil
	case <-t.in.Detached():
		return ErrDetached
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the event loop and restores the tty.
func (t *terminal) Close() {
	t.cancel()
	<-t.loop.Done()
	t.restore()
}
