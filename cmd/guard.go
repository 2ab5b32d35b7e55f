package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/flowguard/internal/guard"
)

var guardCmd = &cobra.Command{
	Use:   "guard",
	Short: "Inspect and tune the flood guard",
}

var (
	cfgMaxEvents   int
	cfgBanDuration time.Duration
	bansJSON       bool
)

var guardConfigureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Change max events and ban duration at runtime",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var want guard.Limits
		if cmd.Flags().Changed("max-events") {
			want.MaxEvents = cfgMaxEvents
		}
		if cmd.Flags().Changed("ban-duration") {
			want.BanDuration = cfgBanDuration
		}
		return runGuardConfigure(cmd.Context(), newClient(), cmd.OutOrStdout(), want)
	},
}

var guardBansCmd = &cobra.Command{
	Use:   "bans",
	Short: "Show active bans and flow counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGuardBans(cmd.Context(), newClient(), cmd.OutOrStdout(), bansJSON)
	},
}

func init() {
	guardConfigureCmd.Flags().IntVar(&cfgMaxEvents, "max-events", 0, "events allowed per ban duration")
	guardConfigureCmd.Flags().DurationVar(&cfgBanDuration, "ban-duration", 0, "ban and counting window length")
	guardConfigureCmd.MarkFlagsOneRequired("max-events", "ban-duration")

	guardBansCmd.Flags().BoolVar(&bansJSON, "json", false, "print JSON")

	guardCmd.AddCommand(guardConfigureCmd, guardBansCmd)
}

// runGuardConfigure applies want; zero fields keep the current value.
func runGuardConfigure(ctx context.Context, client ControlClient, out io.Writer, want guard.Limits) error {
	if want.MaxEvents == 0 || want.BanDuration == 0 {
		snap, err := client.Bans(ctx)
		if err != nil {
			return fmt.Errorf("failed to read current limits: %w", err)
		}
		if want.MaxEvents == 0 {
			want.MaxEvents = snap.Limits.MaxEvents
		}
		if want.BanDuration == 0 {
			want.BanDuration = snap.Limits.BanDuration
		}
	}
	got, err := client.Configure(ctx, want)
	if err != nil {
		return fmt.Errorf("failed to configure guard: %w", err)
	}
	fmt.Fprintf(out, "✓ Guard limits: max_events=%d ban_duration=%s\n", got.MaxEvents, got.BanDuration)
	return nil
}

func runGuardBans(ctx context.Context, client ControlClient, out io.Writer, asJSON bool) error {
	snap, err := client.Bans(ctx)
	if err != nil {
		return fmt.Errorf("failed to query bans: %w", err)
	}
	if asJSON {
		return printJSON(out, snap)
	}

	fmt.Fprintf(out, "Limits: max_events=%d ban_duration=%s\n", snap.Limits.MaxEvents, snap.Limits.BanDuration)
	fmt.Fprintf(out, "Counters: %d  Bans: %d\n", len(snap.Counters), len(snap.Bans))
	if len(snap.Bans) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tSRC\tDST\tSTATE\tEXPIRES")
	for _, b := range snap.Bans {
		expires := "-"
		if !b.Expires.IsZero() {
			expires = b.Expires.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", b.Key.Device, b.Key.Src, b.Key.Dst, b.State, expires)
	}
	return tw.Flush()
}
