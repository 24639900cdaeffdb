package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/n3cloud/webterm/internal/apiclient"
	"github.com/n3cloud/webterm/internal/orchestrator"
	"github.com/n3cloud/webterm/internal/transport"
)

// sessionFlags adds the flags shared by run and attach.
func sessionFlags(cmd *cobra.Command) {
	cmd.Flags().String("mode", "", "attach to the main process or exec a command (attach|exec)")
	cmd.Flags().StringP("command", "c", "", "command for exec mode")
	cmd.Flags().Bool("resize", true, "send terminal size changes to the container")
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the scripts in the server catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			scripts, err := a.client.Scripts(cmd.Context())
			if err != nil {
				return err
			}
			if len(scripts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No scripts.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tTITLE\tIMAGE\tCMD")
			for _, s := range scripts {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Title, s.Image, strings.Join(s.Cmd, " "))
			}
			return w.Flush()
		},
	}
}

func newRunCmd(a *app) *cobra.Command {
	var download bool
	cmd := &cobra.Command{
		Use:   "run <script-id>",
		Short: "Launch a script and attach to its terminal",
		Long: `Launch a catalog script and connect this terminal to it.

Ctrl-] detaches. The server stops the container a short while after the
last terminal leaves it, so reattach soon or fetch its output with
--download, which saves the newest artifact of the run when the session
ends.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, args[0], download)
		},
	}
	sessionFlags(cmd)
	cmd.Flags().BoolVar(&download, "download", false, "download the newest artifact when the session ends")
	cmd.Flags().String("dir", "", "directory for downloaded artifacts")
	return cmd
}

func (a *app) run(cmd *cobra.Command, scriptID string, download bool) error {
	ctx := cmd.Context()
	errOut := cmd.ErrOrStderr()

	term, err := openTerminal(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), a.cfg.PropagateResize, a.logger)
	if err != nil {
		return err
	}
	defer term.Close()

	downloads := make(chan error, 1)
	orch := orchestrator.New(orchestrator.Config{
		API:         a.client,
		NewSession:  term.newSession,
		DownloadDir: a.cfg.DownloadDir,
		OnDownload: func(dl apiclient.Download, err error) {
			if err == nil {
				fmt.Fprintf(errOut, "\r\nSaved %s (%s)\r\n", dl.Path, units.HumanSize(float64(dl.Size)))
			}
			downloads <- err
		},
		Logger: a.logger,
	})
	defer orch.Close()

	if err := orch.LoadCatalog(ctx); err != nil {
		return err
	}
	if err := orch.Select(scriptID); err != nil {
		return fmt.Errorf("%w: %s", err, scriptID)
	}
	if err := orch.SetMode(transport.Mode(a.cfg.Mode), a.cfg.Command); err != nil {
		return err
	}

	sess, err := orch.Launch(ctx)
	if err != nil {
		return err
	}
	st := orch.State()
	fmt.Fprintf(errOut, "Launched %s as %s (run %s). Ctrl-] to detach.\r\n", scriptID, shortID(st.ContainerID), st.RunID)

	waitErr := term.wait(ctx, sess)
	if download {
		if err := a.downloadRun(ctx, orch, errOut, downloads); err != nil {
			return err
		}
	}
	if errors.Is(waitErr, ErrDetached) {
		fmt.Fprintf(errOut, "\r\nDetached. Reattach with: webterm attach %s\r\n", st.ContainerID)
		return nil
	}
	return waitErr
}

// downloadRun fetches the run's artifact through the orchestrator while the
// terminal is still connected, and directly once it is not.
func (a *app) downloadRun(ctx context.Context, orch *orchestrator.Orchestrator, errOut io.Writer, results <-chan error) error {
	err := orch.DownloadArtifact(ctx)
	if errors.Is(err, orchestrator.ErrNotConnected) {
		dl, derr := a.client.DownloadLatest(ctx, orch.State().RunID, a.cfg.DownloadDir)
		if derr == nil {
			fmt.Fprintf(errOut, "\r\nSaved %s (%s)\r\n", dl.Path, units.HumanSize(float64(dl.Size)))
		}
		return derr
	}
	if err != nil {
		return err
	}
	select {
	case err := <-results:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newAttachCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach <container-id>",
		Short: "Connect this terminal to a running container",
		Long: `Connect this terminal to a container started by webterm run. Reattaching
before the server's stop delay runs out keeps the container alive.

Ctrl-] detaches.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d := transport.Descriptor{
				ContainerID: args[0],
				Mode:        transport.Mode(a.cfg.Mode),
			}
			if d.Mode == transport.ModeExec {
				d.Command = a.cfg.Command
			}
			if err := d.Validate(); err != nil {
				return err
			}

			term, err := openTerminal(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), a.cfg.PropagateResize, a.logger)
			if err != nil {
				return err
			}
			defer term.Close()

			sess, err := term.newSession(ctx, a.client.BaseURL(), d, func(connected bool) {
				a.logger.Debug("Connection changed", zap.Bool("connected", connected))
			})
			if err != nil {
				return err
			}
			defer sess.Close()

			err = term.wait(ctx, sess)
			if errors.Is(err, ErrDetached) {
				fmt.Fprintf(cmd.ErrOrStderr(), "\r\nDetached from %s\r\n", shortID(d.ContainerID))
				return nil
			}
			return err
		},
	}
	sessionFlags(cmd)
	return cmd
}

func newDownloadCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download <run-id>",
		Short: "Download the newest artifact of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dl, err := a.client.DownloadLatest(cmd.Context(), args[0], a.cfg.DownloadDir)
			if errors.Is(err, apiclient.ErrNoArtifact) {
				return fmt.Errorf("run %s has no artifacts", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%s, %s)\n", dl.Path, units.HumanSize(float64(dl.Size)), dl.ContentType)
			return nil
		},
	}
	cmd.Flags().String("dir", "", "directory to save into")
	return cmd
}

func newStopCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <container-id>",
		Short: "Stop and remove a container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client.Stop(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to stop %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Container %s stopped.\n", shortID(args[0]))
			return nil
		},
	}
}

// shortID trims a container id the way docker prints it.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
