package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/flowguard/internal/daemon"
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the flowguard daemon in foreground",
	Long: `Run the flowguard daemon process in foreground.

The daemon will:
  1. Load global configuration from config file
  2. Initialize logging and metrics
  3. Create the enforcement backend, the guard and the rule registry
  4. Install the static rules file (if configured)
  5. Start packet capture, the UDS server, the REST API and the Kafka consumer
  6. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context())
	},
}

var pidFile string

func init() {
	daemonCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file path (default from config)")
}

func runDaemon(ctx context.Context) error {
	// The socket flag only overrides the config when given explicitly.
	sock := ""
	if rootCmd.PersistentFlags().Changed("socket") {
		sock = socketPath
	}

	d, err := daemon.New(configFile, sock, pidFile)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	// Blocks until shutdown.
	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
