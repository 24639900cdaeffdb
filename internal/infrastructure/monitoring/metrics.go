package monitoring

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// Launch metrics
	Launches       *prometheus.CounterVec
	LaunchDuration prometheus.Histogram
	Stops          *prometheus.CounterVec
	ArtifactServed *prometheus.CounterVec
	CatalogScripts prometheus.Gauge
	CatalogReloads *prometheus.CounterVec

	// Terminal socket metrics
	WSSessions     *prometheus.GaugeVec
	WSFrames       *prometheus.CounterVec
	BytesRelayed   *prometheus.CounterVec
	SessionSeconds prometheus.Histogram

	// System metrics
	Uptime    prometheus.GaugeFunc
	startTime time.Time

	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current values for the JSON health endpoint
type Snapshot struct {
	TotalRequests  int64 `json:"total_requests"`
	TotalErrors    int64 `json:"total_errors"`
	ActiveSessions int64 `json:"active_sessions"`
	Launches       int64 `json:"launches"`
	FailedLaunches int64 `json:"failed_launches"`
}

// NewMetrics creates a collector with its own registry, so tests and
// multiple servers in one process do not collide.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webterm_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webterm_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "route"},
		),
		ResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webterm_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 7),
			},
			[]string{"method", "route"},
		),

		Launches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webterm_launches_total",
				Help: "Script launches by outcome",
			},
			[]string{"script_id", "outcome"},
		),
		LaunchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "webterm_launch_duration_seconds",
				Help:    "Time from run request to started container, including image pulls",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		Stops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webterm_container_stops_total",
				Help: "Container stops by trigger",
			},
			[]string{"trigger"},
		),
		ArtifactServed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webterm_artifact_requests_total",
				Help: "Artifact download requests by outcome",
			},
			[]string{"outcome"},
		),
		CatalogScripts: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "webterm_catalog_scripts",
				Help: "Number of scripts in the loaded catalog",
			},
		),
		CatalogReloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webterm_catalog_reloads_total",
				Help: "Catalog reloads by outcome",
			},
			[]string{"outcome"},
		),

		WSSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "webterm_ws_sessions",
				Help: "Open terminal sockets by mode",
			},
			[]string{"mode"},
		),
		WSFrames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webterm_ws_frames_total",
				Help: "Terminal socket frames by direction and kind",
			},
			[]string{"direction", "kind"},
		),
		BytesRelayed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webterm_bytes_relayed_total",
				Help: "Bytes copied between sockets and containers",
			},
			[]string{"direction"},
		),
		SessionSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "webterm_ws_session_duration_seconds",
				Help:    "Terminal socket lifetime",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
	}

	m.Uptime = factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "webterm_uptime_seconds",
			Help: "Server uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration, respSize int64) {
	m.RequestsTotal.WithLabelValues(method, route, status).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
	m.ResponseSize.WithLabelValues(method, route).Observe(float64(respSize))

	m.mu.Lock()
	m.snapshot.TotalRequests++
	if status[0] == '4' || status[0] == '5' {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordLaunch records a launch attempt.
func (m *Metrics) RecordLaunch(scriptID string, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Launches.WithLabelValues(scriptID, outcome).Inc()
	if err == nil {
		m.LaunchDuration.Observe(duration.Seconds())
	}

	m.mu.Lock()
	m.snapshot.Launches++
	if err != nil {
		m.snapshot.FailedLaunches++
	}
	m.mu.Unlock()
}

// RecordStop records a container stop. trigger is "request" or "idle".
func (m *Metrics) RecordStop(trigger string) {
	m.Stops.WithLabelValues(trigger).Inc()
}

// RecordArtifact records an artifact request outcome.
func (m *Metrics) RecordArtifact(outcome string) {
	m.ArtifactServed.WithLabelValues(outcome).Inc()
}

// RecordCatalog records a catalog (re)load.
func (m *Metrics) RecordCatalog(scripts int, err error) {
	if err != nil {
		m.CatalogReloads.WithLabelValues("error").Inc()
		return
	}
	m.CatalogReloads.WithLabelValues("ok").Inc()
	m.CatalogScripts.Set(float64(scripts))
}

// SessionOpened marks a terminal socket as open and returns the function
// that closes it.
func (m *Metrics) SessionOpened(mode string) func() {
	start := time.Now()
	m.WSSessions.WithLabelValues(mode).Inc()
	m.mu.Lock()
	m.snapshot.ActiveSessions++
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.WSSessions.WithLabelValues(mode).Dec()
			m.SessionSeconds.Observe(time.Since(start).Seconds())
			m.mu.Lock()
			m.snapshot.ActiveSessions--
			m.mu.Unlock()
		})
	}
}

// RecordFrame records one relayed frame of n bytes. direction is "in"
// (browser to container) or "out".
func (m *Metrics) RecordFrame(direction, kind string, n int) {
	m.WSFrames.WithLabelValues(direction, kind).Inc()
	m.BytesRelayed.WithLabelValues(direction).Add(float64(n))
}

// Snapshot returns current totals.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
