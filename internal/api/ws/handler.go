package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/n3cloud/webterm/internal/infrastructure/logging"
	"github.com/n3cloud/webterm/internal/infrastructure/monitoring"
	"github.com/n3cloud/webterm/internal/runtime"
	"github.com/n3cloud/webterm/internal/transport"
)

// Session modes.
const (
	ModeAttach = "attach"
	ModeExec   = "exec"
)

// closeGrace is how long the browser gets to answer our close frame.
const closeGrace = time.Second

// Config configures the terminal socket handler.
type Config struct {
	Runtime runtime.Runtime
	Reaper  *Reaper
	Metrics *monitoring.Metrics
	Logger  *logging.Logger

	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	// PingInterval is how often the browser is pinged. The read deadline
	// is twice this. Zero disables both.
	PingInterval time.Duration
	WriteTimeout time.Duration
	// CheckOrigin decides which browser origins may connect. Nil allows
	// all.
	CheckOrigin func(*http.Request) bool
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		MaxMessageSize:  1 << 20,
		PingInterval:    30 * time.Second,
		WriteTimeout:    10 * time.Second,
	}
}

// Handler manages WebSocket connections
type Handler struct {
	cfg      Config
	upgrader websocket.Upgrader
	runtime  runtime.Runtime
	reaper   *Reaper
	metrics  *monitoring.Metrics
	logger   *logging.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(cfg Config) *Handler {
	if cfg.Metrics == nil {
		cfg.Metrics = monitoring.NewMetrics()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Reaper == nil {
		cfg.Reaper = NewReaper(cfg.Runtime, 30*time.Second, cfg.Metrics, cfg.Logger)
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     checkOrigin,
		},
		runtime: cfg.Runtime,
		reaper:  cfg.Reaper,
		metrics: cfg.Metrics,
		logger:  logging.OrNop(cfg.Logger).Named("ws"),
	}
}

// Register mounts the socket route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/ws/:container_id", h.HandleConnection)
}

// OriginChecker allows the listed origins. "*" allows any.
func OriginChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, origin)
	}
}

// HandleConnection opens a stream into the container and relays it over
// the upgraded socket until either side ends.
func (h *Handler) HandleConnection(c *gin.Context) {
	containerID := c.Param("container_id")
	mode := c.DefaultQuery("mode", ModeAttach)
	command := c.Query("cmd")
	logger := h.logger.With(
		zap.String("container_id", containerID),
		zap.String("mode", mode))

	ctx := c.Request.Context()
	var (
		stream runtime.Stream
		err    error
	)
	switch mode {
	case ModeAttach:
		stream, err = h.runtime.Attach(ctx, containerID)
	case ModeExec:
		stream, err = h.runtime.Exec(ctx, containerID, command)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"detail": "mode must be attach or exec"})
		return
	}
	if errors.Is(err, runtime.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "container not found"})
		return
	}
	if err != nil {
		logger.Error("Stream open failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"detail": err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed", zap.Error(err))
		stream.Close()
		return
	}
	defer conn.Close()

	h.reaper.Acquire(containerID)
	defer h.reaper.Release(containerID)
	done := h.metrics.SessionOpened(mode)
	defer done()

	logger.Info("Terminal connected", zap.String("remote", c.ClientIP()))
	h.relay(ctx, conn, stream, logger)
	logger.Info("Terminal disconnected")
}

// relay runs until the browser goes away or the process output ends. It
// closes stream before returning.
func (h *Handler) relay(ctx context.Context, conn *websocket.Conn, stream runtime.Stream, logger *logging.Logger) {
	if h.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageSize)
	}
	h.extendRead(conn)
	conn.SetPongHandler(func(string) error {
		h.extendRead(conn)
		return nil
	})

	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		h.pumpOutput(conn, stream, logger)
	}()

	stopPing := make(chan struct{})
	if h.cfg.PingInterval > 0 {
		go h.ping(conn, stopPing)
	}

	h.pumpInput(ctx, conn, stream, logger)

	close(stopPing)
	stream.Close()
	<-outputDone
}

// pumpInput copies browser frames to the process until the socket fails.
func (h *Handler) pumpInput(ctx context.Context, conn *websocket.Conn, stream runtime.Stream, logger *logging.Logger) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("Socket read ended", zap.Error(err))
			}
			return
		}
		h.extendRead(conn)

		if kind == websocket.TextMessage {
			if msg, ok := parseResize(data); ok {
				h.metrics.RecordFrame("in", "resize", 0)
				if msg.Cols <= 0 || msg.Rows <= 0 {
					continue
				}
				if err := stream.Resize(ctx, msg.Cols, msg.Rows); err != nil {
					logger.Debug("Resize failed", zap.Int("cols", msg.Cols), zap.Int("rows", msg.Rows), zap.Error(err))
				}
				continue
			}
		}

		h.metrics.RecordFrame("in", frameKind(kind), len(data))
		if _, err := stream.Write(data); err != nil {
			logger.Debug("Stdin write failed", zap.Error(err))
			return
		}
	}
}

// pumpOutput copies process output to the browser as binary frames. When
// the output ends it starts the close handshake.
func (h *Handler) pumpOutput(conn *websocket.Conn, stream runtime.Stream, logger *logging.Logger) {
	buf := make([]byte, 4096)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				logger.Debug("Socket write failed", zap.Error(werr))
				conn.Close()
				return
			}
			h.metrics.RecordFrame("out", "binary", n)
		}
		if err != nil {
			break
		}
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "process exited")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteTimeout))
	conn.SetReadDeadline(time.Now().Add(closeGrace))
}

func (h *Handler) ping(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *Handler) extendRead(conn *websocket.Conn) {
	if h.cfg.PingInterval > 0 {
		conn.SetReadDeadline(time.Now().Add(2 * h.cfg.PingInterval))
	}
}

// parseResize recognises a resize control message. Messages with a
// non-positive size are still control messages, just ignored.
func parseResize(data []byte) (transport.ResizeMessage, bool) {
	var msg transport.ResizeMessage
	if json.Unmarshal(data, &msg) != nil || msg.Type != transport.ResizeMessageType {
		return transport.ResizeMessage{}, false
	}
	return msg, true
}

func frameKind(kind int) string {
	if kind == websocket.TextMessage {
		return "text"
	}
	return "binary"
}
