package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kfrrst/website-sub010/internal/domain"
	"github.com/kfrrst/website-sub010/internal/workflow"
)

func rulesCmd() *cobra.Command {
	rules := &cobra.Command{Use: "rules", Short: "Inspect and toggle automation rules"}
	rules.AddCommand(rulesListCmd())
	rules.AddCommand(rulesToggleCmd("enable", true))
	rules.AddCommand(rulesToggleCmd("disable", false))
	return rules
}

func rulesListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List automation rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkflow(cmd.Context(), func(ctx context.Context, svc *workflow.Service) error {
				rules, err := svc.ListRules(ctx, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rules)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "From", "To", "Condition", "Days", "Active", "Description"})
				for _, r := range rules {
					days := ""
					if n := domain.ThresholdDaysOf(r.Condition); n > 0 {
						days = strconv.Itoa(n)
					}
					tw.AppendRow(table.Row{r.ID, r.FromPhaseKey, r.ToPhaseKey, r.Condition.Type(), days, r.IsActive, r.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active-only", false, "only active rules")
	return cmd
}

func rulesToggleCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <rule-id>",
		Short: fmt.Sprintf("%s an automation rule", map[bool]string{true: "Enable", false: "Disable"}[active]),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid rule id %q", args[0])
			}
			return withWorkflow(cmd.Context(), func(ctx context.Context, svc *workflow.Service) error {
				rule, err := svc.SetRuleActive(ctx, id, active, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rule)
				}
				fmt.Printf("Rule %d (%s -> %s, %s) active=%t\n", rule.ID, rule.FromPhaseKey, rule.ToPhaseKey, rule.Condition.Type(), rule.IsActive)
				return nil
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Evaluate automation once for every open project",
		Long:  "Runs the same pass the server's sweeper runs on a ticker. time_elapsed rules only fire from a sweep.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkflow(cmd.Context(), func(ctx context.Context, svc *workflow.Service) error {
				report, err := svc.Sweep(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("Swept %d projects: %d transitions, %d failures, %d skipped\n", report.Projects, len(report.Transitions), report.Failures, report.Skipped)
				for _, tr := range report.Transitions {
					fmt.Printf("  %s: %s -> %s\n", tr.ProjectID, derefOr(tr.FromPhaseKey, "-"), tr.ToPhaseKey)
				}
				return nil
			})
		},
	}
}
