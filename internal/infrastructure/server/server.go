package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	apihttp "github.com/n3cloud/webterm/internal/api/http"
	"github.com/n3cloud/webterm/internal/api/middleware"
	"github.com/n3cloud/webterm/internal/api/ws"
	"github.com/n3cloud/webterm/internal/catalog"
	"github.com/n3cloud/webterm/internal/infrastructure/config"
	"github.com/n3cloud/webterm/internal/infrastructure/logging"
	"github.com/n3cloud/webterm/internal/infrastructure/monitoring"
	"github.com/n3cloud/webterm/internal/runtime"
	"github.com/n3cloud/webterm/internal/runtime/docker"
	"github.com/n3cloud/webterm/internal/runtime/local"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	router  *gin.Engine
	runtime runtime.Runtime
	catalog *catalog.Store
	reaper  *ws.Reaper
	logger  *logging.Logger
	config  *config.Config
	metrics *monitoring.Metrics
}

// Option customises NewServer.
type Option func(*Server)

// WithRuntime replaces the runtime selected by the configuration.
func WithRuntime(rt runtime.Runtime) Option {
	return func(s *Server) { s.runtime = rt }
}

// WithLogger replaces the logger built from the configuration.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{config: cfg}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		logger, err := logging.New(logging.Config{
			Level:       cfg.Logging.Level,
			Development: cfg.Logging.Development,
			OutputPaths: []string{"stdout"},
		})
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		s.logger = logger
	}
	logger := s.logger

	logger.Info("Initializing terminal server",
		zap.String("addr", cfg.Addr()),
		zap.String("runtime", cfg.Runtime.Kind),
		zap.String("catalog", cfg.Catalog.Path),
	)

	s.metrics = monitoring.NewMetrics()

	store, err := catalog.Open(cfg.Catalog.Path)
	s.metrics.RecordCatalog(scriptCount(store), err)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	s.catalog = store
	logger.Info("Catalog loaded", zap.Int("scripts", scriptCount(store)))

	if s.runtime == nil {
		rt, err := newRuntime(cfg, logger)
		if err != nil {
			return nil, err
		}
		s.runtime = rt
	}

	s.reaper = ws.NewReaper(s.runtime, cfg.Runtime.StopDelay, s.metrics, logger)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Add middleware
	router.Use(middleware.RequestID())
	router.Use(middleware.AccessLog(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(monitoring.Middleware(s.metrics))
	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.AllowOrigins = cfg.CORS.AllowOrigins
	router.Use(middleware.CORS(corsCfg))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		rl.Burst = cfg.RateLimit.Burst
		router.Use(middleware.RateLimit(rl))
	}

	handlers, err := apihttp.NewHandlers(apihttp.Config{
		Catalog: store,
		Runtime: s.runtime,
		Metrics: s.metrics,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	handlers.Register(router)

	wsHandler := ws.NewHandler(ws.Config{
		Runtime:         s.runtime,
		Reaper:          s.reaper,
		Metrics:         s.metrics,
		Logger:          logger,
		ReadBufferSize:  cfg.WS.ReadBufferSize,
		WriteBufferSize: cfg.WS.WriteBufferSize,
		MaxMessageSize:  cfg.WS.MaxMessageSize,
		PingInterval:    cfg.WS.PingInterval,
		WriteTimeout:    cfg.WS.WriteTimeout,
		CheckOrigin:     ws.OriginChecker(cfg.CORS.AllowOrigins),
	})
	wsHandler.Register(router)

	router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	s.router = router
	logger.Info("Server initialized successfully")
	return s, nil
}

func newRuntime(cfg *config.Config, logger *logging.Logger) (runtime.Runtime, error) {
	switch cfg.Runtime.Kind {
	case config.RuntimeLocal:
		return local.New(local.Config{
			Dir:    cfg.Runtime.LocalDir,
			Logger: logger,
		})
	default:
		return docker.New(docker.Config{
			Host:       cfg.Runtime.DockerHost,
			APIVersion: cfg.Runtime.DockerAPIVersion,
			Timeout:    cfg.Runtime.DockerTimeout,
			Logger:     logger,
		})
	}
}

func scriptCount(store *catalog.Store) int {
	if store == nil {
		return 0
	}
	return len(store.Catalog().Scripts())
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Metrics returns the server's metrics.
func (s *Server) Metrics() *monitoring.Metrics {
	return s.metrics
}

// ReloadCatalog rereads the catalog file. On failure the old catalog stays.
func (s *Server) ReloadCatalog() error {
	err := s.catalog.Reload()
	s.metrics.RecordCatalog(scriptCount(s.catalog), err)
	if err != nil {
		s.logger.Error("Catalog reload failed", zap.String("path", s.catalog.Path()), zap.Error(err))
		return err
	}
	s.logger.Info("Catalog reloaded", zap.Int("scripts", scriptCount(s.catalog)))
	return nil
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully and
// runs pending idle stops.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if n := s.config.Server.MaxConnections; n > 0 {
		ln = netutil.LimitListener(ln, n)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := s.runtime.Ping(pingCtx); err != nil {
		s.logger.Warn("Runtime not reachable yet", zap.Error(err))
	}
	cancel()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(s.logger.Named("http").Logger),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	s.reaper.Flush(shutdownCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		s.logger.Warn("Shutdown timed out; closing remaining connections")
		err = srv.Close()
	}
	if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return err
}

// Close releases the runtime and flushes logs.
func (s *Server) Close() error {
	err := s.runtime.Close()
	if err != nil {
		s.logger.Error("Failed to close runtime", zap.Error(err))
	}
	s.logger.Sync()
	return err
}
