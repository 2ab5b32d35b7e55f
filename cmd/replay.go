package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/flowguard/internal/backend/memory"
	"firestige.xyz/flowguard/internal/capture"
	"firestige.xyz/flowguard/internal/core"
	"firestige.xyz/flowguard/internal/guard"
	"firestige.xyz/flowguard/internal/scheduler"
)

var (
	replayDevice      string
	replayMaxEvents   int
	replayBanDuration time.Duration
	replayJSON        bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <pcap|->",
	Short: "Run a capture file through an offline guard",
	Long: `Feed the ICMP frames of a pcap or pcapng file through a guard backed by an
in-memory device, on the capture's own clock, and report how many events
would have been allowed and blocked. No daemon is needed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var r io.Reader = os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}
		limits := guard.Limits{MaxEvents: replayMaxEvents, BanDuration: replayBanDuration}
		return runReplay(cmd.Context(), r, cmd.OutOrStdout(), core.DeviceID(replayDevice), limits, replayJSON)
	},
}

func init() {
	f := replayCmd.Flags()
	f.StringVar(&replayDevice, "device", "device:s1", "device the capture was taken on")
	f.IntVar(&replayMaxEvents, "max-events", guard.DefaultMaxEvents, "events allowed per ban duration")
	f.DurationVar(&replayBanDuration, "ban-duration", guard.DefaultBanDuration, "ban and counting window length")
	f.BoolVar(&replayJSON, "json", false, "print JSON")
}

// replayResult is the replay report.
type replayResult struct {
	capture.ReplayStats
	Limits     guard.Limits `json:"limits"`
	Bans       []guard.Ban  `json:"bans"`
	RulesAtEnd int          `json:"rules_at_end"`
}

func runReplay(ctx context.Context, r io.Reader, out io.Writer, device core.DeviceID, limits guard.Limits, asJSON bool) error {
	backend := memory.New(device)
	sched := scheduler.NewManualScheduler(time.Time{})
	g, err := guard.New(backend, sched, guard.Options{Limits: limits})
	if err != nil {
		return err
	}

	stats, err := capture.Replay(ctx, r, device, sched, g)
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}

	res := replayResult{
		ReplayStats: stats,
		Limits:      g.Limits(),
		Bans:        g.Snapshot().Bans,
		RulesAtEnd:  backend.Len(),
	}
	if asJSON {
		return printJSON(out, res)
	}
	fmt.Fprintf(out, "Frames: %d  Events: %d  Allowed: %d  Blocked: %d\n",
		res.Frames, res.Events, res.Allowed, res.Blocked)
	if !res.First.IsZero() {
		fmt.Fprintf(out, "Span: %s → %s (%s)\n", res.First.Format(time.RFC3339), res.Last.Format(time.RFC3339), res.Last.Sub(res.First))
	}
	fmt.Fprintf(out, "Bans active at end: %d\n", len(res.Bans))
	return nil
}
