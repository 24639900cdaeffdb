package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/n3cloud/webterm/internal/eventloop"
	"github.com/n3cloud/webterm/internal/infrastructure/logging"
)

// Observer receives transport events. Every method runs on the event loop.
// OnOpen and OnClose fire at most once each.
type Observer interface {
	OnOpen()
	OnMessage(text string)
	OnClose(reason CloseReason, err error)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Open    func()
	Message func(text string)
	Close   func(reason CloseReason, err error)
}

func (o ObserverFuncs) OnOpen() {
	if o.Open != nil {
		o.Open()
	}
}

func (o ObserverFuncs) OnMessage(text string) {
	if o.Message != nil {
		o.Message(text)
	}
}

func (o ObserverFuncs) OnClose(reason CloseReason, err error) {
	if o.Close != nil {
		o.Close(reason, err)
	}
}

// Config tunes a Transport.
type Config struct {
	// Dialer overrides the websocket dialer. HandshakeTimeout on the
	// default dialer is taken from HandshakeTimeout below.
	Dialer *websocket.Dialer
	Header http.Header

	// HandshakeTimeout bounds the opening handshake. Zero waits forever.
	HandshakeTimeout time.Duration
	// PingInterval is how often the writer pings the remote side. Zero
	// disables pings.
	PingInterval time.Duration
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// QueueSize is the outbound frame buffer.
	QueueSize int
	// PropagateResize makes Resize send geometry control frames.
	PropagateResize bool

	Logger *logging.Logger
}

// DefaultConfig returns the settings used by the CLI.
func DefaultConfig() Config {
	return Config{
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
		QueueSize:    256,
	}
}

// ResizeMessage is the text control frame sent on geometry changes.
type ResizeMessage struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// ResizeMessageType is ResizeMessage.Type.
const ResizeMessageType = "resize"

type frame struct {
	kind int
	data []byte
}

// Transport owns one websocket connection to a container endpoint and
// turns it into ordered terminal byte streams plus lifecycle events.
type Transport struct {
	loop       *eventloop.Loop
	cfg        Config
	logger     *logging.Logger
	descriptor Descriptor
	endpoint   string

	mu       sync.Mutex
	state    State
	observer Observer
	conn     *websocket.Conn
	cancel   context.CancelFunc

	outbound chan frame
	done     chan struct{}
	doneOnce sync.Once
	// writerDone is closed when writePump exits, so queued writers never
	// wait on a writer that is gone.
	writerDone chan struct{}

	// touched only on the loop
	decoder  *streamDecoder
	notified bool
}

// New validates d, derives its endpoint from base and returns a
// disconnected transport.
func New(loop *eventloop.Loop, base *url.URL, d Descriptor, cfg Config) (*Transport, error) {
	endpoint, err := Endpoint(base, d)
	if err != nil {
		return nil, err
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}

	logger := logging.OrNop(cfg.Logger).Named("transport").With(
		zap.String("container_id", d.ContainerID),
		zap.String("mode", string(d.Mode)),
	)

	return &Transport{
		loop:       loop,
		cfg:        cfg,
		logger:     logger,
		descriptor: d,
		endpoint:   endpoint,
		state:      StateDisconnected,
		observer:   ObserverFuncs{},
		outbound:   make(chan frame, cfg.QueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		decoder:    newStreamDecoder(),
	}, nil
}

// Descriptor returns the endpoint descriptor.
func (t *Transport) Descriptor() Descriptor {
	return t.descriptor
}

// Endpoint returns the socket URL.
func (t *Transport) Endpoint() string {
	return t.endpoint
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed once the transport reaches a closed state.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// SetObserver registers the event observer. It must be called before Open.
func (t *Transport) SetObserver(o Observer) {
	if o == nil {
		o = ObserverFuncs{}
	}
	t.mu.Lock()
	t.observer = o
	t.mu.Unlock()
}

// Open starts the handshake and returns immediately; completion arrives
// as OnOpen or OnClose. A transport can be opened once.
func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateDisconnected {
		state := t.state
		t.mu.Unlock()
		return &AlreadyOpenError{State: state}
	}
	dialCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.state = StateConnecting
	t.mu.Unlock()

	t.logger.Debug("Connecting", zap.String("endpoint", t.endpoint))
	go t.dial(dialCtx)
	return nil
}

func (t *Transport) dialer() *websocket.Dialer {
	if t.cfg.Dialer != nil {
		return t.cfg.Dialer
	}
	return &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: t.cfg.HandshakeTimeout,
	}
}

func (t *Transport) dial(ctx context.Context) {
	conn, resp, err := t.dialer().DialContext(ctx, t.endpoint, t.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if !t.loop.Post(func() { t.handshakeDone(conn, err) }) && conn != nil {
		conn.Close()
	}
}

func (t *Transport) handshakeDone(conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.state != StateConnecting {
		// Torn down while the handshake was in flight.
		t.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		t.state = StateClosedError
		t.mu.Unlock()
		t.logger.Warn("Handshake failed", zap.Error(err))
		t.markDone()
		t.notifyClose(CloseError, &TransportError{Op: "dial", Err: err})
		return
	}
	t.state = StateOpen
	t.conn = conn
	observer := t.observer
	t.mu.Unlock()

	t.logger.Info("Connected", zap.String("endpoint", t.endpoint))
	go t.readPump(conn)
	go t.writePump(conn)
	observer.OnOpen()
}

// readPump forwards inbound frames to the loop in arrival order.
func (t *Transport) readPump(conn *websocket.Conn) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.loop.Post(func() { t.connectionLost("read", err) })
			return
		}
		if !t.loop.Post(func() { t.deliver(kind, data) }) {
			return
		}
	}
}

func (t *Transport) deliver(kind int, data []byte) {
	t.mu.Lock()
	open := t.state == StateOpen
	observer := t.observer
	t.mu.Unlock()
	if !open {
		return
	}

	var text string
	switch kind {
	case websocket.BinaryMessage:
		text = t.decoder.Decode(data)
	case websocket.TextMessage:
		text = string(data)
	default:
		return
	}
	if text != "" {
		observer.OnMessage(text)
	}
}

// writePump is the only goroutine writing data frames, so frames leave in
// the order Write and Resize queued them.
func (t *Transport) writePump(conn *websocket.Conn) {
	defer close(t.writerDone)

	var ping <-chan time.Time
	if t.cfg.PingInterval > 0 {
		ticker := time.NewTicker(t.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-t.done:
			return
		case f := <-t.outbound:
			conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
			if err := conn.WriteMessage(f.kind, f.data); err != nil {
				t.loop.Post(func() { t.connectionLost("write", err) })
				return
			}
		case <-ping:
			deadline := time.Now().Add(t.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				t.loop.Post(func() { t.connectionLost("ping", err) })
				return
			}
		}
	}
}

func (t *Transport) connectionLost(op string, err error) {
	t.mu.Lock()
	if t.state != StateOpen {
		t.mu.Unlock()
		return
	}
	reason := classify(err)
	if reason == CloseClean {
		t.state = StateClosedClean
	} else {
		t.state = StateClosedError
	}
	conn := t.conn
	observer := t.observer
	t.mu.Unlock()

	t.markDone()
	conn.Close()

	if tail := t.decoder.Flush(); tail != "" {
		observer.OnMessage(tail)
	}

	if reason == CloseClean {
		t.logger.Info("Remote closed connection")
		t.notifyClose(CloseClean, nil)
		return
	}
	t.logger.Warn("Connection failed", zap.Error(err))
	t.notifyClose(CloseError, &TransportError{Op: op, Err: err})
}

// classify maps a read/write error to a close reason. Orderly close frames
// are clean; anything else, including a dropped TCP connection, is an
// error.
func classify(err error) CloseReason {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return CloseClean
	}
	return CloseError
}

// Write sends p as one binary frame. Outside the open state it is a
// silent no-op: input typed into a dead terminal is dropped, never queued
// for a later connection.
func (t *Transport) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	t.mu.Lock()
	open := t.state == StateOpen
	t.mu.Unlock()
	if !open {
		t.logger.Debug("Input dropped", zap.Int("bytes", len(p)))
		return
	}
	t.enqueue(frame{kind: websocket.BinaryMessage, data: append([]byte(nil), p...)})
}

// Resize tells the remote side about new terminal geometry when resize
// propagation is enabled. Same drop rules as Write.
func (t *Transport) Resize(cols, rows int) {
	if !t.cfg.PropagateResize || cols <= 0 || rows <= 0 {
		return
	}
	t.mu.Lock()
	open := t.state == StateOpen
	t.mu.Unlock()
	if !open {
		return
	}
	data, err := json.Marshal(ResizeMessage{Type: ResizeMessageType, Cols: cols, Rows: rows})
	if err != nil {
		return
	}
	t.enqueue(frame{kind: websocket.TextMessage, data: data})
}

// enqueue runs on the loop. A full queue blocks it only while the writer
// is alive; a writer that failed has already posted connectionLost.
func (t *Transport) enqueue(f frame) {
	select {
	case t.outbound <- f:
	case <-t.done:
	case <-t.writerDone:
	}
}

// Close tears the transport down from any state. It cancels an in-flight
// handshake, sends a normal close frame on an open connection and reports
// OnClose(CloseClean) unless the transport had already closed. Calling it
// again is a no-op.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.state.Closed() {
		t.mu.Unlock()
		return nil
	}
	prev := t.state
	t.state = StateClosedClean
	conn := t.conn
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.markDone()

	var err error
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = conn.Close()
	}

	t.logger.Debug("Closed locally", zap.Stringer("from", prev))
	t.loop.Post(func() { t.notifyClose(CloseClean, nil) })
	return err
}

func (t *Transport) markDone() {
	t.doneOnce.Do(func() { close(t.done) })
}

// notifyClose runs on the loop and guarantees a single OnClose.
func (t *Transport) notifyClose(reason CloseReason, err error) {
	if t.notified {
		return
	}
	t.notified = true
	t.mu.Lock()
	observer := t.observer
	t.mu.Unlock()
	observer.OnClose(reason, err)
}
