package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/n3cloud/webterm/internal/infrastructure/monitoring"
	"github.com/n3cloud/webterm/internal/runtime"
	"github.com/n3cloud/webterm/internal/runtime/runtimetest"
)

type testServer struct {
	url     string
	rt      *runtimetest.MockRuntime
	metrics *monitoring.Metrics
	stopped chan string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := &testServer{
		rt:      new(runtimetest.MockRuntime),
		metrics: monitoring.NewMetrics(),
		stopped: make(chan string, 8),
	}
	ts.rt.On("Stop", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		ts.stopped <- args.String(1)
	}).Maybe()

	cfg := DefaultConfig()
	cfg.Runtime = ts.rt
	cfg.Metrics = ts.metrics
	cfg.PingInterval = 0
	cfg.Reaper = NewReaper(ts.rt, 10*time.Millisecond, ts.metrics, nil)
	h := NewHandler(cfg)

	r := gin.New()
	h.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	ts.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return ts
}

func (ts *testServer) dial(t *testing.T, containerID string, query url.Values) *websocket.Conn {
	t.Helper()
	u := ts.url + "/ws/" + containerID
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readBinary(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	return string(data)
}

func TestAttachRelaysKeystrokes(t *testing.T) {
	ts := newTestServer(t)
	stream := runtimetest.NewEchoStream()
	ts.rt.On("Attach", mock.Anything, "c1").Return(stream, nil).Once()

	conn := ts.dial(t, "c1", nil)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("ls\n")))
	assert.Equal(t, "ls\n", readBinary(t, conn))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	assert.Equal(t, "hello", readBinary(t, conn), "non-control text is stdin")

	ts.rt.AssertExpectations(t)
	assert.Equal(t, 8.0, testutil.ToFloat64(ts.metrics.BytesRelayed.WithLabelValues("in")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.WSSessions.WithLabelValues("attach")))
}

func TestExecPassesCommand(t *testing.T) {
	ts := newTestServer(t)
	stream := runtimetest.NewEchoStream()
	ts.rt.On("Exec", mock.Anything, "c1", "python main.py").Return(stream, nil).Once()

	conn := ts.dial(t, "c1", url.Values{"mode": {"exec"}, "cmd": {"python main.py"}})
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("print(1)\n")))
	assert.Equal(t, "print(1)\n", readBinary(t, conn))
	ts.rt.AssertExpectations(t)
}

func TestResizeControlMessages(t *testing.T) {
	ts := newTestServer(t)
	stream := runtimetest.NewEchoStream()
	ts.rt.On("Attach", mock.Anything, "c1").Return(stream, nil).Once()

	conn := ts.dial(t, "c1", nil)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"resize","cols":100,"rows":40}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"resize","cols":0,"rows":0}`)))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("x")))

	// Frames are handled in order, so the echo proves both resizes were seen.
	assert.Equal(t, "x", readBinary(t, conn))
	assert.Equal(t, []runtimetest.Size{{Cols: 100, Rows: 40}}, stream.Resizes())
}

func TestProcessExitClosesSocket(t *testing.T) {
	ts := newTestServer(t)
	stream := runtimetest.NewEchoStream()
	ts.rt.On("Attach", mock.Anything, "c1").Return(stream, nil).Once()

	conn := ts.dial(t, "c1", nil)
	go func() {
		stream.Emit([]byte("bye\n"))
		stream.Exit()
	}()

	assert.Equal(t, "bye\n", readBinary(t, conn))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestDisconnectStopsContainerLater(t *testing.T) {
	ts := newTestServer(t)
	stream := runtimetest.NewEchoStream()
	ts.rt.On("Attach", mock.Anything, "c1").Return(stream, nil).Once()

	conn := ts.dial(t, "c1", nil)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("a")))
	readBinary(t, conn)
	conn.Close()

	select {
	case id := <-ts.stopped:
		assert.Equal(t, "c1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("container was not stopped")
	}
	select {
	case <-stream.Closed():
	case <-time.After(time.Second):
		t.Fatal("stream was not closed")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.Stops.WithLabelValues("idle")))
}

func TestHandshakeErrors(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		setup      func(rt *runtimetest.MockRuntime)
		wantStatus int
	}{
		{
			name:       "bad mode",
			path:       "/ws/c1?mode=spy",
			setup:      func(*runtimetest.MockRuntime) {},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "unknown container",
			path: "/ws/nope",
			setup: func(rt *runtimetest.MockRuntime) {
				rt.On("Attach", mock.Anything, "nope").Return(nil, runtime.ErrNotFound)
			},
			wantStatus: http.StatusNotFound,
		},
		{
			name: "runtime failure",
			path: "/ws/c1?mode=exec",
			setup: func(rt *runtimetest.MockRuntime) {
				rt.On("Exec", mock.Anything, "c1", "").Return(nil, errors.New("engine down"))
			},
			wantStatus: http.StatusBadGateway,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			tt.setup(ts.rt)

			_, resp, err := websocket.DefaultDialer.Dial(ts.url+tt.path, nil)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    bool
	}{
		{"wildcard", []string{"*"}, "https://any.example", true},
		{"empty list allows all", nil, "https://any.example", true},
		{"listed", []string{"https://app.example"}, "https://app.example", true},
		{"unlisted", []string{"https://app.example"}, "https://evil.example", false},
		{"non-browser client", []string{"https://app.example"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws/c1", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, OriginChecker(tt.origins)(r))
		})
	}
}

func TestReaperCancelsOnReacquire(t *testing.T) {
	rt := new(runtimetest.MockRuntime)
	r := NewReaper(rt, 50*time.Millisecond, nil, nil)

	r.Acquire("c1")
	r.Release("c1")
	assert.Equal(t, 1, r.Pending())
	r.Acquire("c1")
	assert.Equal(t, 0, r.Pending())

	time.Sleep(100 * time.Millisecond)
	rt.AssertNotCalled(t, "Stop", mock.Anything, mock.Anything)
}

func TestReaperWaitsForLastHolder(t *testing.T) {
	rt := new(runtimetest.MockRuntime)
	r := NewReaper(rt, time.Hour, nil, nil)

	r.Acquire("c1")
	r.Acquire("c1")
	r.Release("c1")
	assert.Equal(t, 0, r.Pending())
	r.Release("c1")
	assert.Equal(t, 1, r.Pending())
}

func TestReaperFlush(t *testing.T) {
	rt := new(runtimetest.MockRuntime)
	rt.On("Stop", mock.Anything, "c1").Return(nil).Once()
	rt.On("Stop", mock.Anything, "c2").Return(errors.New("gone wrong")).Once()
	metrics := monitoring.NewMetrics()
	r := NewReaper(rt, time.Hour, metrics, nil)

	r.Acquire("c1")
	r.Release("c1")
	r.Acquire("c2")
	r.Release("c2")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.Flush(ctx)

	assert.Equal(t, 0, r.Pending())
	rt.AssertExpectations(t)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Stops.WithLabelValues("idle")), "failed stops are not counted")
}
