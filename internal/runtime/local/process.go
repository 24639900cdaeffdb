package local

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

const subscriberQueue = 1024

// process is a launched script running under a pseudo-terminal.
type process struct {
	id       string
	runID    string
	scriptID string
	image    string
	dir      string
	env      []string

	cmd     *exec.Cmd
	ptmx    *os.File
	history *history
	exited  chan struct{}

	mu       sync.Mutex
	subs     map[*attachStream]struct{}
	finished bool
}

// pump copies terminal output into the history and every attached stream.
func (p *process) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			p.mu.Lock()
			p.history.Write(chunk)
			for s := range p.subs {
				s.push(chunk)
			}
			p.mu.Unlock()
		}
		if err != nil {
			break
		}
	}
	p.finish()
}

func (p *process) wait() {
	_ = p.cmd.Wait()
	close(p.exited)
}

func (p *process) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	for s := range p.subs {
		close(s.ch)
	}
	p.subs = nil
	p.ptmx.Close()
}

// subscribe returns a stream that first replays the history.
func (p *process) subscribe() (*attachStream, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return nil, false
	}
	s := &attachStream{
		proc:   p,
		ch:     make(chan []byte, subscriberQueue),
		closed: make(chan struct{}),
	}
	if past := p.history.Snapshot(); len(past) > 0 {
		s.ch <- past
	}
	p.subs[s] = struct{}{}
	return s, true
}

func (p *process) unsubscribe(s *attachStream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, s)
}

func (p *process) resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return nil
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// stop asks the process to exit and kills it after timeout.
func (p *process) stop(timeout time.Duration) {
	if p.cmd.Process == nil {
		return
	}
	select {
	case <-p.exited:
		p.finish()
		return
	default:
	}
	_ = signalGroup(p.cmd.Process, syscall.SIGTERM)
	select {
	case <-p.exited:
	case <-time.After(timeout):
		_ = signalGroup(p.cmd.Process, syscall.SIGKILL)
		<-p.exited
	}
	// Orphans may still hold the terminal open.
	p.finish()
}

// attachStream is one attacher's view of a process.
type attachStream struct {
	proc    *process
	ch      chan []byte
	pending []byte

	closed    chan struct{}
	closeOnce sync.Once
}

// push runs with proc.mu held. A stalled reader loses output rather than
// stalling the process.
func (s *attachStream) push(chunk []byte) {
	select {
	case s.ch <- chunk:
	default:
	}
}

func (s *attachStream) Read(b []byte) (int, error) {
	if len(s.pending) > 0 {
		n := copy(b, s.pending)
		s.pending = s.pending[n:]
		return n, nil
	}
	select {
	case chunk, ok := <-s.ch:
		if !ok {
			return 0, io.EOF
		}
		n := copy(b, chunk)
		s.pending = chunk[n:]
		return n, nil
	case <-s.closed:
		return 0, io.EOF
	}
}

func (s *attachStream) Write(b []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	return s.proc.ptmx.Write(b)
}

func (s *attachStream) Resize(_ context.Context, cols, rows int) error {
	return s.proc.resize(cols, rows)
}

func (s *attachStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.proc.unsubscribe(s)
	})
	return nil
}

// execStream is a command started inside a run directory with its own
// pseudo-terminal.
type execStream struct {
	cmd  *exec.Cmd
	ptmx *os.File
	done chan struct{}

	closeOnce sync.Once
}

func (s *execStream) Read(b []byte) (int, error) {
	n, err := s.ptmx.Read(b)
	// Linux reports EIO once the other side of the terminal is gone.
	if err != nil && (errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)) {
		err = io.EOF
	}
	return n, err
}

func (s *execStream) Write(b []byte) (int, error) {
	return s.ptmx.Write(b)
}

func (s *execStream) Resize(_ context.Context, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return nil
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (s *execStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		select {
		case <-s.done:
		default:
			_ = signalGroup(s.cmd.Process, syscall.SIGKILL)
		}
		err = s.ptmx.Close()
	})
	return err
}
