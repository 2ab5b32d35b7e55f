package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"firestige.xyz/flowguard/internal/core"
	"firestige.xyz/flowguard/internal/registry"
)

var ruleCmd = &cobra.Command{
	Use:   "rule",
	Short: "Manage registry rules",
}

var (
	addOwner   string
	addDevices []string
	addSpec    registry.RuleSpec
	listJSON   bool
)

var ruleAddCmd = &cobra.Command{
	Use:   "add <rule-id>",
	Short: "Install a rule on the given devices (default: all in scope)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := registry.RuleRequest{
			Owner:  addOwner,
			RuleID: args[0],
			Spec:   addSpec,
		}
		for _, d := range addDevices {
			req.Devices = append(req.Devices, core.DeviceID(d))
		}
		return runRuleAdd(cmd.Context(), newClient(), cmd.OutOrStdout(), req)
	},
}

var ruleDeleteCmd = &cobra.Command{
	Use:   "delete <rule-id>",
	Short: "Remove a rule from every device it was installed on",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRuleDelete(cmd.Context(), newClient(), cmd.OutOrStdout(), args[0])
	},
}

var rulePurgeCmd = &cobra.Command{
	Use:   "purge [owner]",
	Short: "Remove every rule of an application (default: the registry owner)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner := ""
		if len(args) == 1 {
			owner = args[0]
		}
		return runRulePurge(cmd.Context(), newClient(), cmd.OutOrStdout(), owner)
	},
}

var ruleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registry entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRuleList(cmd.Context(), newClient(), cmd.OutOrStdout(), listJSON)
	},
}

func init() {
	f := ruleAddCmd.Flags()
	f.StringVar(&addSpec.Table, "table", "", "pipeline table")
	f.StringVar(&addSpec.Action, "action", "", "pipeline action")
	f.StringVar(&addSpec.Match, "match", "icmp", "IPv4 protocol to match: icmp, tcp or udp")
	f.StringVar(&addSpec.Param, "param", "", "action parameter")
	f.IntVar(&addSpec.Priority, "priority", 0, "rule priority (default 50000)")
	f.StringVar(&addOwner, "owner", "", "owning application (default: the registry owner)")
	f.StringSliceVar(&addDevices, "device", nil, "target device, repeatable")
	_ = ruleAddCmd.MarkFlagRequired("table")
	_ = ruleAddCmd.MarkFlagRequired("action")

	ruleListCmd.Flags().BoolVar(&listJSON, "json", false, "print JSON")

	ruleCmd.AddCommand(ruleAddCmd, ruleDeleteCmd, rulePurgeCmd, ruleListCmd)
}

func runRuleAdd(ctx context.Context, client ControlClient, out io.Writer, req registry.RuleRequest) error {
	report, err := client.AddRule(ctx, req)
	printReport(out, report)
	if err != nil {
		return fmt.Errorf("failed to add rule %s: %w", req.RuleID, err)
	}
	if n := report.Count(registry.OutcomeInstalled); n > 0 {
		fmt.Fprintf(out, "✓ Rule %s installed on %d device(s)\n", req.RuleID, n)
	}
	return nil
}

func runRuleDelete(ctx context.Context, client ControlClient, out io.Writer, ruleID string) error {
	report, err := client.DeleteRule(ctx, ruleID)
	printReport(out, report)
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", ruleID, err)
	}
	fmt.Fprintf(out, "✓ Rule %s removed from %d device(s)\n", ruleID, report.Count(registry.OutcomeRemoved))
	return nil
}

func runRulePurge(ctx context.Context, client ControlClient, out io.Writer, owner string) error {
	res, err := client.DeleteAppRules(ctx, owner)
	if err != nil {
		return fmt.Errorf("failed to delete rules of %q: %w", owner, err)
	}
	fmt.Fprintf(out, "✓ Cleared %d rule(s) of %s\n", res.Cleared, res.Owner)
	return nil
}

func runRuleList(ctx context.Context, client ControlClient, out io.Writer, asJSON bool) error {
	res, err := client.Rules(ctx)
	if err != nil {
		return fmt.Errorf("failed to list rules: %w", err)
	}
	if asJSON {
		return printJSON(out, res)
	}
	if res.Count == 0 {
		fmt.Fprintln(out, "No rules.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RULE\tDEVICE\tOWNER\tSTATE\tTABLE\tACTION")
	for _, e := range res.Rules {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Key.RuleID, e.Key.Device, e.Owner, e.State, e.Rule.Table, e.Rule.Action)
	}
	return tw.Flush()
}

func printReport(out io.Writer, report registry.Report) {
	for _, r := range report.Results {
		if r.Error != "" {
			fmt.Fprintf(out, "  %s: %s (%s)\n", r.Device, r.Outcome, r.Error)
			continue
		}
		fmt.Fprintf(out, "  %s: %s\n", r.Device, r.Outcome)
	}
}
