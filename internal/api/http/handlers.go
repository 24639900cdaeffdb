package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"

	"github.com/n3cloud/webterm/internal/catalog"
	"github.com/n3cloud/webterm/internal/infrastructure/logging"
	"github.com/n3cloud/webterm/internal/infrastructure/monitoring"
	"github.com/n3cloud/webterm/internal/runtime"
	"github.com/n3cloud/webterm/internal/shared/id"
)

// Config wires the handlers to their collaborators.
type Config struct {
	Catalog *catalog.Store
	Runtime runtime.Runtime
	Metrics *monitoring.Metrics
	Logger  *logging.Logger
	// LaunchTimeout bounds a launch including the image pull. A launch is
	// not cancelled when the requesting client goes away.
	LaunchTimeout time.Duration
	// NewRunID overrides run id generation in tests.
	NewRunID func() string
}

// Handlers contains the catalog, launch, stop and artifact handlers.
type Handlers struct {
	catalog       *catalog.Store
	runtime       runtime.Runtime
	metrics       *monitoring.Metrics
	logger        *logging.Logger
	launchTimeout time.Duration
	newRunID      func() string
	gzip          func(http.Handler) http.HandlerFunc
}

// NewHandlers creates a new handler set
func NewHandlers(cfg Config) (*Handlers, error) {
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.NewStore(catalog.Empty())
	}
	if cfg.Metrics == nil {
		cfg.Metrics = monitoring.NewMetrics()
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 10 * time.Minute
	}
	if cfg.NewRunID == nil {
		cfg.NewRunID = func() string { return id.NewRunID().String() }
	}
	gz, err := gzhttp.NewWrapper(gzhttp.MinSize(1024))
	if err != nil {
		return nil, err
	}
	return &Handlers{
		catalog:       cfg.Catalog,
		runtime:       cfg.Runtime,
		metrics:       cfg.Metrics,
		logger:        logging.OrNop(cfg.Logger).Named("api"),
		launchTimeout: cfg.LaunchTimeout,
		newRunID:      cfg.NewRunID,
		gzip:          gz,
	}, nil
}

// Register mounts the routes on r.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/health", h.Health)
	r.GET("/config", h.RawConfig)
	r.GET("/ui-config", h.UIConfig)
	r.GET("/scripts", h.Scripts)
	r.POST("/run", h.Run)
	r.POST("/stop/:container_id", h.Stop)
	r.GET("/runs/:run_id/latest", h.LatestArtifact)
}

// Health reports whether the container runtime answers.
func (h *Handlers) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	if err := h.runtime.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "degraded",
			"detail": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"scripts": len(h.catalog.Catalog().Scripts()),
		"metrics": h.metrics.Snapshot(),
	})
}

// RawConfig returns the whole catalog document as JSON.
func (h *Handlers) RawConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.catalog.Catalog().Raw())
}

// UIConfig returns the scripts the selector shows.
func (h *Handlers) UIConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"scripts": h.catalog.Catalog().Scripts()})
}

// Scripts lists the catalog entries.
func (h *Handlers) Scripts(c *gin.Context) {
	c.JSON(http.StatusOK, h.catalog.Catalog().Scripts())
}

// RunRequest is the body of POST /run.
type RunRequest struct {
	ScriptID string `json:"script_id" binding:"required"`
}

// RunResponse is returned by a successful launch.
type RunResponse struct {
	ContainerID string `json:"container_id"`
	RunID       string `json:"run_id"`
}

// Run launches a catalog script in a new container.
func (h *Handlers) Run(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}

	script, ok := h.catalog.Catalog().Lookup(req.ScriptID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "script not found"})
		return
	}

	runID := h.newRunID()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), h.launchTimeout)
	defer cancel()

	timer := monitoring.NewTimer()
	container, err := h.runtime.Launch(ctx, script, runID)
	h.metrics.RecordLaunch(script.ID, timer.Elapsed(), err)
	if err != nil {
		h.logger.Error("Launch failed",
			zap.String("script_id", script.ID),
			zap.String("run_id", runID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	h.logger.Info("Launched",
		zap.String("script_id", script.ID),
		zap.String("image", script.Image),
		zap.String("container_id", container.ID),
		zap.String("run_id", runID),
		zap.Duration("duration", timer.Elapsed()))
	c.JSON(http.StatusOK, RunResponse{ContainerID: container.ID, RunID: runID})
}

// Stop stops and removes a container. Unknown containers succeed.
func (h *Handlers) Stop(c *gin.Context) {
	containerID := c.Param("container_id")
	ctx := c.Request.Context()

	if err := h.runtime.Stop(ctx, containerID); err != nil {
		h.logger.Error("Stop failed", zap.String("container_id", containerID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	if err := h.runtime.Remove(ctx, containerID); err != nil {
		h.logger.Error("Remove failed", zap.String("container_id", containerID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	h.metrics.RecordStop("request")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// LatestArtifact streams the newest file the run wrote.
func (h *Handlers) LatestArtifact(c *gin.Context) {
	runID := c.Param("run_id")

	art, err := h.runtime.LatestArtifact(c.Request.Context(), runID)
	switch {
	case errors.Is(err, runtime.ErrNoArtifact), errors.Is(err, runtime.ErrNotFound):
		h.metrics.RecordArtifact("missing")
		c.JSON(http.StatusNotFound, gin.H{"detail": "no files"})
		return
	case err != nil:
		h.metrics.RecordArtifact("error")
		h.logger.Error("Artifact lookup failed", zap.String("run_id", runID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	defer art.Body.Close()

	h.metrics.RecordArtifact("ok")
	h.gzip(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := serveArtifact(w, art); err != nil {
			h.logger.Warn("Artifact transfer interrupted", zap.String("run_id", runID), zap.Error(err))
		}
	})).ServeHTTP(c.Writer, c.Request)
}
