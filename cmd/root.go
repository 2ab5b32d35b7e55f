// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/flowguard/internal/command"
	"firestige.xyz/flowguard/internal/guard"
	"firestige.xyz/flowguard/internal/registry"
)

var (
	// Global flags
	configFile string
	socketPath string
	timeout    time.Duration
)

// ControlClient is the daemon control surface the commands need.
// *command.UDSClient satisfies it.
type ControlClient interface {
	AddRule(ctx context.Context, req registry.RuleRequest) (registry.Report, error)
	DeleteRule(ctx context.Context, ruleID string) (registry.Report, error)
	DeleteAppRules(ctx context.Context, owner string) (command.DeleteAppRulesResult, error)
	Configure(ctx context.Context, limits guard.Limits) (guard.Limits, error)
	Bans(ctx context.Context) (guard.Snapshot, error)
	Rules(ctx context.Context) (command.RulesResult, error)
	Status(ctx context.Context) (command.StatusResult, error)
	Reload(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// newClient is replaced in tests.
var newClient = func() ControlClient {
	return command.NewUDSClient(socketPath, timeout)
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "flowguard",
	Short: "flowguard - ICMP flood guard and rule registry for forwarding devices",
	Long: `flowguard watches ICMP traffic per device and endpoint pair, bans a pair
with a drop rule once it exceeds the configured rate, and lifts the ban after
the ban duration. It also keeps a registry of static rules that applications
install on forwarding devices by id.

Control:
  - Local CLI over a Unix Domain Socket
  - REST API (ONOS-compatible /store routes)
  - Remote commands from Kafka`,
	Version:       command.Version,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/flowguard/config.yml",
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/flowguard.sock",
		"daemon socket path")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"timeout for daemon requests")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(ruleCmd)
	rootCmd.AddCommand(guardCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(replayCmd)
}
