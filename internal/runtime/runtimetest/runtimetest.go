// Package runtimetest provides test doubles for runtime.Runtime.
package runtimetest

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/n3cloud/webterm/internal/catalog"
	"github.com/n3cloud/webterm/internal/runtime"
)

// MockRuntime is a mock implementation of runtime.Runtime.
type MockRuntime struct {
	mock.Mock
}

var _ runtime.Runtime = (*MockRuntime)(nil)

// Launch mocks the Launch method.
func (m *MockRuntime) Launch(ctx context.Context, script catalog.Script, runID string) (runtime.Container, error) {
	args := m.Called(ctx, script, runID)
	return args.Get(0).(runtime.Container), args.Error(1)
}

// Attach mocks the Attach method.
func (m *MockRuntime) Attach(ctx context.Context, containerID string) (runtime.Stream, error) {
	args := m.Called(ctx, containerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(runtime.Stream), args.Error(1)
}

// Exec mocks the Exec method.
func (m *MockRuntime) Exec(ctx context.Context, containerID, command string) (runtime.Stream, error) {
	args := m.Called(ctx, containerID, command)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(runtime.Stream), args.Error(1)
}

// Stop mocks the Stop method.
func (m *MockRuntime) Stop(ctx context.Context, containerID string) error {
	return m.Called(ctx, containerID).Error(0)
}

// Remove mocks the Remove method.
func (m *MockRuntime) Remove(ctx context.Context, containerID string) error {
	return m.Called(ctx, containerID).Error(0)
}

// LatestArtifact mocks the LatestArtifact method.
func (m *MockRuntime) LatestArtifact(ctx context.Context, runID string) (*runtime.Artifact, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*runtime.Artifact), args.Error(1)
}

// Ping mocks the Ping method.
func (m *MockRuntime) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// Close mocks the Close method.
func (m *MockRuntime) Close() error {
	return m.Called().Error(0)
}

// NewMockRuntime creates a mock whose Stop, Remove, Ping and Close succeed
// unless a test overrides them.
func NewMockRuntime(t *testing.T) *MockRuntime {
	t.Helper()
	m := new(MockRuntime)
	m.On("Stop", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("Remove", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("Ping", mock.Anything).Return(nil).Maybe()
	m.On("Close").Return(nil).Maybe()
	return m
}

// Script returns a catalog entry for tests.
func Script(id, image string) catalog.Script {
	return catalog.Script{ID: id, Title: id, Image: image, Cmd: catalog.DefaultCmd}
}

// Size is a recorded resize.
type Size struct {
	Cols, Rows int
}

// EchoStream is a runtime.Stream that reads back whatever is written to it,
// like a terminal in echo mode.
type EchoStream struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu      sync.Mutex
	resizes []Size
	closed  chan struct{}
	once    sync.Once
}

var _ runtime.Stream = (*EchoStream)(nil)

// NewEchoStream returns an open stream. Output written with Emit or Write
// blocks until read.
func NewEchoStream() *EchoStream {
	pr, pw := io.Pipe()
	return &EchoStream{pr: pr, pw: pw, closed: make(chan struct{})}
}

func (s *EchoStream) Read(p []byte) (int, error)  { return s.pr.Read(p) }
func (s *EchoStream) Write(p []byte) (int, error) { return s.pw.Write(p) }

// Emit writes output as if the process printed it.
func (s *EchoStream) Emit(p []byte) error {
	_, err := s.pw.Write(p)
	return err
}

// Resize records the size.
func (s *EchoStream) Resize(_ context.Context, cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resizes = append(s.resizes, Size{Cols: cols, Rows: rows})
	return nil
}

// Resizes returns the recorded sizes.
func (s *EchoStream) Resizes() []Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Size(nil), s.resizes...)
}

// Exit ends the stream from the process side: readers see EOF.
func (s *EchoStream) Exit() {
	s.pw.Close()
}

// Close closes both directions.
func (s *EchoStream) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.pw.Close()
		s.pr.Close()
	})
	return nil
}

// Closed is closed once Close has been called.
func (s *EchoStream) Closed() <-chan struct{} { return s.closed }
