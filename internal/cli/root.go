package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/n3cloud/webterm/internal/apiclient"
	"github.com/n3cloud/webterm/internal/infrastructure/logging"
)

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"api":       "api",
	"log-level": "log_level",
	"mode":      "mode",
	"command":   "command",
	"resize":    "propagate_resize",
	"dir":       "download_dir",
}

// app is the state shared by the subcommands of one invocation.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *Config
	logger  *logging.Logger
	client  *apiclient.Client
}

// NewRootCommand builds the webterm command tree.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "webterm",
		Short: "webterm - terminals into catalog containers",
		Long: `webterm launches catalog scripts on a webterm server and connects your
terminal to them.

List what can be run:
  webterm list

Run a script and attach to it (Ctrl-] detaches):
  webterm run py1
  webterm run py1 --mode exec --command "python main.py"

Reattach, fetch output and clean up:
  webterm attach <container-id>
  webterm download <run-id>
  webterm stop <container-id>`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) { a.teardown() },
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default is ~/.webterm/config.yaml)")
	pf.String("api", "", "API base URL, e.g. http://localhost:8000")
	pf.String("log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newListCmd(a),
		newRunCmd(a),
		newAttachCmd(a),
		newDownloadCmd(a),
		newStopCmd(a),
	)
	return root
}

// setup loads the configuration and builds the logger and API client.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := a.v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	cfg, err := LoadConfig(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	if err := ensureDir(cfg.LogFile); err != nil {
		return fmt.Errorf("log directory: %w", err)
	}
	logger, err := logging.New(logging.FileConfig(cfg.LogFile, cfg.LogLevel))
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	a.logger = logger

	ccfg := apiclient.DefaultConfig(cfg.API)
	ccfg.Logger = logger
	client, err := apiclient.New(ccfg)
	if err != nil {
		return err
	}
	a.client = client
	return nil
}

func (a *app) teardown() {
	if a.logger != nil {
		a.logger.Sync()
	}
}
