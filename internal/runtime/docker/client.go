package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/n3cloud/webterm/internal/infrastructure/logging"
	"github.com/n3cloud/webterm/internal/runtime"
)

// DefaultHost is the engine socket used when none is configured.
const DefaultHost = "unix:///var/run/docker.sock"

// Config configures the engine client.
type Config struct {
	// Host is a unix:// socket path or a tcp:// / http:// address.
	Host string
	// APIVersion pins the engine API, e.g. "1.43". Empty uses the engine's
	// default.
	APIVersion string
	// Timeout bounds ordinary API calls. Streams and pulls are unbounded.
	Timeout time.Duration
	Logger  *logging.Logger
}

// APIError is a non-2xx engine response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("docker: %d %s", e.Status, e.Message)
}

// Is maps 404 responses to runtime.ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == runtime.ErrNotFound && e.Status == http.StatusNotFound
}

// Runtime drives containers through the Docker Engine API.
type Runtime struct {
	api    *resty.Client
	stream *resty.Client
	logger *logging.Logger
}

var _ runtime.Runtime = (*Runtime)(nil)

// New builds an engine client. It does not contact the engine; use Ping.
func New(cfg Config) (*Runtime, error) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	base, transport, err := dialTarget(cfg.Host)
	if err != nil {
		return nil, err
	}
	if cfg.APIVersion != "" {
		base += "/v" + strings.TrimPrefix(cfg.APIVersion, "v")
	}

	api := resty.NewWithClient(&http.Client{Transport: transport}).
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", "webterm-server")

	// Hijacked streams outlive any request timeout.
	stream := resty.NewWithClient(&http.Client{Transport: transport}).
		SetBaseURL(base).
		SetHeader("User-Agent", "webterm-server")

	return &Runtime{
		api:    api,
		stream: stream,
		logger: logging.OrNop(cfg.Logger).Named("docker"),
	}, nil
}

// dialTarget turns a DOCKER_HOST value into a base URL and transport.
func dialTarget(host string) (string, *http.Transport, error) {
	u, err := url.Parse(host)
	if err != nil {
		return "", nil, fmt.Errorf("docker host %q: %w", host, err)
	}

	transport := &http.Transport{
		MaxIdleConns:        16,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	switch u.Scheme {
	case "unix":
		socket := u.Path
		var d net.Dialer
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			return d.DialContext(ctx, "unix", socket)
		}
		// The host part is ignored when dialing a socket.
		return "http://docker", transport, nil
	case "tcp", "http":
		return "http://" + u.Host, transport, nil
	case "https":
		return "https://" + u.Host, transport, nil
	default:
		return "", nil, fmt.Errorf("docker host %q: unsupported scheme", host)
	}
}

// check turns an engine response into an error unless its status is one of
// ok.
func check(resp *resty.Response, err error, ok ...int) error {
	if err != nil {
		return err
	}
	for _, code := range ok {
		if resp.StatusCode() == code {
			return nil
		}
	}
	if resp.IsSuccess() && len(ok) == 0 {
		return nil
	}
	return apiError(resp.StatusCode(), resp.Body())
}

func apiError(status int, body []byte) error {
	var msg struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &msg); err != nil || msg.Message == "" {
		msg.Message = strings.TrimSpace(string(body))
	}
	if msg.Message == "" {
		msg.Message = http.StatusText(status)
	}
	return &APIError{Status: status, Message: msg.Message}
}

// Ping implements runtime.Runtime.
func (r *Runtime) Ping(ctx context.Context) error {
	resp, err := r.api.R().SetContext(ctx).Get("/_ping")
	return check(resp, err, http.StatusOK)
}

// Close implements runtime.Runtime.
func (r *Runtime) Close() error {
	r.api.GetClient().CloseIdleConnections()
	r.stream.GetClient().CloseIdleConnections()
	return nil
}

// ignoreMissing swallows not-found errors.
func ignoreMissing(err error) error {
	if errors.Is(err, runtime.ErrNotFound) {
		return nil
	}
	return err
}
