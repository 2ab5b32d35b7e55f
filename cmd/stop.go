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

var stopPIDFile string

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the flowguard daemon",
	Long: `Stop the flowguard daemon gracefully.

This command sends daemon_shutdown over the Unix Domain Socket. The daemon
stops accepting commands and events, lifts active bans and exits. Registry
rules stay installed.

When the socket is unreachable and --pidfile is given, SIGTERM is sent to
the recorded process instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd.Context(), newClient(), cmd.OutOrStdout(), stopPIDFile)
	},
}

func init() {
	stopCmd.Flags().StringVar(&stopPIDFile, "pidfile", "", "PID file used when the socket is unreachable")
}

func runStop(ctx context.Context, client ControlClient, out io.Writer, pidFile string) error {
	err := client.Shutdown(ctx)
	if errors.Is(err, core.ErrDaemonNotRunning) && pidFile != "" {
		err = daemon.SignalDaemon(pidFile, syscall.SIGTERM)
	}
	if errors.Is(err, core.ErrDaemonNotRunning) {
		fmt.Fprintln(out, "Daemon is not running.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	fmt.Fprintln(out, "✓ Shutdown requested")
	return nil
}
