package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Runtime kinds.
const (
	RuntimeDocker = "docker"
	RuntimeLocal  = "local"
)

// Config holds all server configuration.
type Config struct {
	Server    ServerConfig
	Catalog   CatalogConfig
	Runtime   RuntimeConfig
	WS        WSConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
	// MaxConnections caps concurrently accepted connections; 0 is
	// unlimited.
	MaxConnections  int           `envconfig:"MAX_CONNECTIONS" default:"512"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// CatalogConfig locates the script catalog.
type CatalogConfig struct {
	Path string `envconfig:"SCRIPTS_CONFIG" default:"/configs/scripts.yaml"`
}

// RuntimeConfig selects and configures the container runtime.
type RuntimeConfig struct {
	Kind             string        `envconfig:"RUNTIME" default:"docker"`
	DockerHost       string        `envconfig:"DOCKER_HOST" default:"unix:///var/run/docker.sock"`
	DockerAPIVersion string        `envconfig:"DOCKER_API_VERSION"`
	DockerTimeout    time.Duration `envconfig:"DOCKER_TIMEOUT" default:"30s"`
	LocalDir         string        `envconfig:"LOCAL_RUNTIME_DIR" default:"/tmp/webterm-runs"`
	// StopDelay is how long a container outlives its last terminal.
	StopDelay time.Duration `envconfig:"STOP_DELAY" default:"30s"`
}

// WSConfig holds terminal socket settings.
type WSConfig struct {
	ReadBufferSize  int           `envconfig:"WS_READ_BUFFER" default:"4096"`
	WriteBufferSize int           `envconfig:"WS_WRITE_BUFFER" default:"4096"`
	MaxMessageSize  int64         `envconfig:"WS_MAX_MESSAGE" default:"1048576"`
	PingInterval    time.Duration `envconfig:"WS_PING_INTERVAL" default:"30s"`
	WriteTimeout    time.Duration `envconfig:"WS_WRITE_TIMEOUT" default:"10s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"50"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"100"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// CORSConfig lists the browser origins allowed to call the API.
type CORSConfig struct {
	AllowOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8000",
			Host:            "0.0.0.0",
			MaxConnections:  512,
			ShutdownTimeout: 10 * time.Second,
		},
		Catalog: CatalogConfig{
			Path: "/configs/scripts.yaml",
		},
		Runtime: RuntimeConfig{
			Kind:          RuntimeDocker,
			DockerHost:    "unix:///var/run/docker.sock",
			DockerTimeout: 30 * time.Second,
			LocalDir:      "/tmp/webterm-runs",
			StopDelay:     30 * time.Second,
		},
		WS: WSConfig{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			MaxMessageSize:  1 << 20,
			PingInterval:    30 * time.Second,
			WriteTimeout:    10 * time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
			Enabled:           true,
		},
		CORS: CORSConfig{
			AllowOrigins: []string{"*"},
		},
	}
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Runtime.Kind) {
	case RuntimeDocker, RuntimeLocal:
		c.Runtime.Kind = strings.ToLower(c.Runtime.Kind)
	default:
		errs = append(errs, fmt.Errorf("RUNTIME must be %q or %q, got %q", RuntimeDocker, RuntimeLocal, c.Runtime.Kind))
	}
	if c.Runtime.StopDelay < 0 {
		errs = append(errs, errors.New("STOP_DELAY must not be negative"))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("MAX_CONNECTIONS must not be negative"))
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS must be positive when rate limiting is enabled"))
	}
	if c.WS.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("WS_MAX_MESSAGE must be positive"))
	}
	return errors.Join(errs...)
}
