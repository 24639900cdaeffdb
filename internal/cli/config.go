package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/n3cloud/webterm/internal/orchestrator"
	"github.com/n3cloud/webterm/internal/transport"
)

// Config is the client configuration, read from ~/.webterm/config.yaml,
// WEBTERM_* environment variables and flags, in increasing precedence.
type Config struct {
	API             string `mapstructure:"api"`
	Mode            string `mapstructure:"mode"`
	Command         string `mapstructure:"command"`
	PropagateResize bool   `mapstructure:"propagate_resize"`
	LogLevel        string `mapstructure:"log_level"`
	LogFile         string `mapstructure:"log_file"`
	DownloadDir     string `mapstructure:"download_dir"`
}

// ConfigDir returns ~/.webterm.
func ConfigDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".webterm"), nil
}

func setDefaults(v *viper.Viper, dir string) {
	v.SetDefault("api", "http://localhost:8000")
	v.SetDefault("mode", string(transport.ModeAttach))
	v.SetDefault("command", orchestrator.DefaultCommand)
	v.SetDefault("propagate_resize", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", filepath.Join(dir, "webterm.log"))
	v.SetDefault("download_dir", ".")
}

// LoadConfig reads the configuration into v. An explicit path must exist;
// the default file is optional.
func LoadConfig(v *viper.Viper, path string) (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	setDefaults(v, dir)

	v.SetEnvPrefix("WEBTERM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, err
		}
		v.SetConfigFile(expanded)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.LogFile, err = homedir.Expand(cfg.LogFile); err != nil {
		return nil, err
	}
	if cfg.DownloadDir, err = homedir.Expand(cfg.DownloadDir); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values a session depends on.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.API) == "" {
		return errors.New("api base url is required")
	}
	mode, err := transport.ParseMode(c.Mode)
	if err != nil {
		return err
	}
	c.Mode = string(mode)
	if mode == transport.ModeExec && strings.TrimSpace(c.Command) == "" {
		return transport.ErrCommandRequired
	}
	return nil
}

// ensureDir creates the parent directory of path.
func ensureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
