package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/n3cloud/webterm/internal/catalog"
	"github.com/n3cloud/webterm/internal/infrastructure/logging"
	"github.com/n3cloud/webterm/internal/infrastructure/resilience"
)

// Config configures the API client.
type Config struct {
	// BaseURL is the API root, e.g. http://localhost:8000 or
	// https://host/api.
	BaseURL string
	Timeout time.Duration
	// RetryMax bounds retries of idempotent reads. Launches and stops are
	// never retried.
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// RateLimit is requests per second; zero is unlimited.
	RateLimit float64
	Logger    *logging.Logger
}

// DefaultConfig returns the settings used by the CLI.
func DefaultConfig(base string) Config {
	return Config{
		BaseURL:      base,
		Timeout:      30 * time.Second,
		RetryMax:     3,
		RetryWaitMin: 200 * time.Millisecond,
		RetryWaitMax: 2 * time.Second,
	}
}

// Client talks to the catalog, launch and artifact endpoints.
type Client struct {
	base    *url.URL
	get     *resty.Client
	post    *resty.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
	logger  *logging.Logger
}

// Launch is the result of a run request.
type Launch struct {
	ContainerID string `json:"container_id"`
	RunID       string `json:"run_id"`
}

// New builds a client for cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("apiclient: base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("apiclient: base url %q must be http or https", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger := logging.OrNop(cfg.Logger).Named("api")

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		retryClient.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		retryClient.RetryWaitMax = cfg.RetryWaitMax
	}
	retryClient.Logger = retryLogger{logger.Sugar()}
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	get := resty.NewWithClient(retryClient.StandardClient()).
		SetBaseURL(base.String()).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", "webterm")
	post := resty.New().
		SetBaseURL(base.String()).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", "webterm")

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(1, int(cfg.RateLimit)))
	}

	breaker := resilience.New("api", resilience.Settings{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful:  clientFault,
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})

	return &Client{
		base:    base,
		get:     get,
		post:    post,
		limiter: limiter,
		breaker: breaker,
		logger:  logger,
	}, nil
}

// BaseURL returns a copy of the API root.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// BreakerState reports the circuit breaker state.
func (c *Client) BreakerState() resilience.State {
	return c.breaker.State()
}

// do runs one call through the rate limiter and the breaker and turns
// non-2xx responses into StatusError.
func (c *Client) do(ctx context.Context, fn func(ctx context.Context) (*resty.Response, error)) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		resp, err := fn(ctx)
		if err != nil {
			return err
		}
		if !resp.IsSuccess() {
			return statusError(resp.StatusCode(), resp.Body())
		}
		return nil
	})
}

// statusError extracts a {"detail": ...} message when the body has one.
func statusError(status int, body []byte) *StatusError {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	detail := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && len(payload.Detail) > 0 {
		var s string
		if json.Unmarshal(payload.Detail, &s) == nil {
			detail = s
		} else {
			detail = string(bytes.TrimSpace(payload.Detail))
		}
	}
	if len(detail) > 200 {
		detail = detail[:200]
	}
	return &StatusError{Status: status, Detail: detail}
}

// UIConfig fetches the scripts shown in the selector.
func (c *Client) UIConfig(ctx context.Context) ([]catalog.Script, error) {
	var out struct {
		Scripts []catalog.Script `json:"scripts"`
	}
	err := c.do(ctx, func(ctx context.Context) (*resty.Response, error) {
		return c.get.R().SetContext(ctx).SetResult(&out).Get("/ui-config")
	})
	if err != nil {
		return nil, &CatalogLoadError{Resource: "ui-config", Err: err}
	}
	return out.Scripts, nil
}

// Scripts fetches the full catalog entries.
func (c *Client) Scripts(ctx context.Context) ([]catalog.Script, error) {
	var out []catalog.Script
	err := c.do(ctx, func(ctx context.Context) (*resty.Response, error) {
		return c.get.R().SetContext(ctx).SetResult(&out).Get("/scripts")
	})
	if err != nil {
		return nil, &CatalogLoadError{Resource: "scripts", Err: err}
	}
	return out, nil
}

// Run launches scriptID. It is sent exactly once.
func (c *Client) Run(ctx context.Context, scriptID string) (Launch, error) {
	var out Launch
	err := c.do(ctx, func(ctx context.Context) (*resty.Response, error) {
		return c.post.R().SetContext(ctx).
			SetBody(map[string]string{"script_id": scriptID}).
			SetResult(&out).
			Post("/run")
	})
	if err == nil && out.ContainerID == "" {
		err = errors.New("response has no container_id")
	}
	if err != nil {
		return Launch{}, &LaunchError{ScriptID: scriptID, Err: err}
	}
	c.logger.Debug("Launched", zap.String("script_id", scriptID),
		zap.String("container_id", out.ContainerID), zap.String("run_id", out.RunID))
	return out, nil
}

// Stop stops and removes a container.
func (c *Client) Stop(ctx context.Context, containerID string) error {
	return c.do(ctx, func(ctx context.Context) (*resty.Response, error) {
		return c.post.R().SetContext(ctx).Post("/stop/" + url.PathEscape(containerID))
	})
}

// Health checks the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) (*resty.Response, error) {
		return c.get.R().SetContext(ctx).Get("/health")
	})
}

// ArtifactURL is the download address of a run's newest file.
func (c *Client) ArtifactURL(runID string) string {
	return c.base.String() + "/runs/" + url.PathEscape(runID) + "/latest"
}

type retryLogger struct {
	s *zap.SugaredLogger
}

func (l retryLogger) Error(msg string, kv ...interface{}) { l.s.Warnw(msg, kv...) }
func (l retryLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l retryLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l retryLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }

var _ retryablehttp.LeveledLogger = retryLogger{}

