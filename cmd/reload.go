package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/flowguard/internal/core"
	"firestige.xyz/flowguard/internal/daemon"
)

var reloadPIDFile string

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload configuration",
	Long: `Ask the daemon to re-read its config file. Logging and guard limits are
applied in place; other changes need a restart.

When the control socket is unreachable and --pidfile is given, SIGHUP is
sent to the recorded process instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReload(cmd.Context(), newClient(), cmd.OutOrStdout(), reloadPIDFile)
	},
}

func init() {
	reloadCmd.Flags().StringVar(&reloadPIDFile, "pidfile", "", "PID file used when the socket is unreachable")
}

// runReload reloads over the socket, falling back to SIGHUP.
func runReload(ctx context.Context, client ControlClient, out io.Writer, pidFile string) error {
	err := client.Reload(ctx)
	if errors.Is(err, core.ErrDaemonNotRunning) && pidFile != "" {
		if err := daemon.SignalDaemon(pidFile, syscall.SIGHUP); err != nil {
			return fmt.Errorf("failed to reload: %w", err)
		}
		fmt.Fprintln(out, "✓ Reload signal sent")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to reload: %w", err)
	}
	fmt.Fprintln(out, "✓ Configuration reloaded successfully")
	return nil
}
