package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kfrrst/website-sub010/internal/domain"
	"github.com/kfrrst/website-sub010/internal/workflow"
)

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Aliases: []string{"wf"}, Short: "Track and move client projects through phases"}
	wf.AddCommand(workflowStartCmd())
	wf.AddCommand(workflowProgressCmd())
	wf.AddCommand(workflowPendingCmd())
	wf.AddCommand(workflowSubmitCmd())
	wf.AddCommand(workflowPayCmd())
	wf.AddCommand(workflowAdvanceCmd())
	wf.AddCommand(workflowOverrideCmd())
	wf.AddCommand(workflowCompleteCmd())
	wf.AddCommand(workflowHistoryCmd())
	wf.AddCommand(workflowLogsCmd())
	return wf
}

func workflowStartCmd() *cobra.Command {
	var services []string
	cmd := &cobra.Command{
		Use:   "start <project-id>",
		Short: "Start tracking a project for one or more service types",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkflow(cmd.Context(), func(ctx context.Context, svc *workflow.Service) error {
				st, err := svc.StartProject(ctx, workflow.StartRequest{ProjectID: args[0], ServiceCodes: services, ActorID: actorID()})
				if err != nil {
					return err
				}
				return printState(st)
			})
		},
	}
	cmd.Flags().StringSliceVarP(&services, "service", "s", nil, "service type code (repeatable)")
	return cmd
}

func workflowProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <project-id>",
		Short: "Show every phase and the current phase's requirements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkflow(cmd.Context(), func(ctx context.Context, svc *workflow.Service) error {
				p, err := svc.GetProgress(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				state := "open"
				if p.IsCompleted {
					state = "completed"
				}
				fmt.Printf("Project: %s (%s) services=%s %d%% complete\n", p.ProjectID, state, strings.Join(p.ServiceCodes, ","), p.PercentComplete)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Phase", "Name", "Status", "Completed"})
				for i, ph := range p.Phases {
					tw.AppendRow(table.Row{i + 1, ph.Key, ph.Name, ph.Status, formatTime(ph.CompletedAt)})
				}
				tw.Render()
				fmt.Printf("\n%s requirements:\n", p.CurrentPhaseKey)
				rt := table.NewWriter()
				rt.SetOutputMirror(os.Stdout)
				rt.AppendHeader(table.Row{"Requirement", "Type", "Mandatory", "Actor", "Done", "By"})
				for _, r := range p.Requirements {
					rt.AppendRow(table.Row{r.Requirement.RequirementKey, r.Requirement.Type, r.Requirement.IsMandatory, r.Requirement.Actor, r.Completed, r.CompletedBy})
				}
				rt.Render()
				return nil
			})
		},
	}
}

func workflowPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending <project-id>",
		Short: "List incomplete requirements of the current phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkflow(cmd.Context(), func(ctx context.Context, svc *workflow.Service) error {
				reqs, err := svc.ListPendingActions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reqs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Phase", "Requirement", "Type", "Mandatory", "Actor", "Description"})
				for _, r := range reqs {
					tw.AppendRow(table.Row{r.PhaseKey, r.RequirementKey, r.Type, r.IsMandatory, r.Actor, r.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func workflowSubmitCmd() *cobra.Command {
	var (
		notes    string
		metaJSON string
	)
	cmd := &cobra.Command{
		Use:   "submit <project-id> <requirement-key>",
		Short: "Record a requirement completion",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var meta map[string]any
			if metaJSON != "" {
				if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
					return fmt.Errorf("invalid --metadata: %w", err)
				}
			}
			return withWorkflow(cmd.Context(), func(ctx context.Context, svc *workflow.Service) error {
				res, err := svc.SubmitRequirement(ctx, workflow.SubmitRequest{
					ProjectID:      args[0],
					RequirementKey: args[1],
					ActorID:        actorID(),
					Notes:          notes,
					Metadata:       meta,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Recorded %s/%s for %s\n", res.Completion.PhaseKey, res.Completion.RequirementKey, args[0])
				printAutomation(res.Transition, res.AutomationError)
				fmt.Printf("Current phase: %s\n", res.State.CurrentPhaseKey)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "free-text notes")
	cmd.Flags().StringVar(&metaJSON, "metadata", "", `JSON object, e.g. {"form_id":"f-12"}`)
	return cmd
}

func workflowPayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pay <project-id> <payment-id>",
		Short: "Signal a confirmed payment for the payment_received condition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkflow(cmd.Context(), func(ctx context.Context, svc *workflow.Service) error {
				res, err := svc.RecordPayment(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Duplicate {
					fmt.Printf("Payment %s already recorded\n", args[1])
				} else {
					fmt.Printf("Payment %s recorded\n", args[1])
				}
				printAutomation(res.Transition, res.AutomationError)
				fmt.Printf("Current phase: %s\n", res.State.CurrentPhaseKey)
				return nil
			})
		},
	}
}

func workflowAdvanceCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "advance <project-id>",
		Short: "Manually advance to the next phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkflow(cmd.Context(), func(ctx context.Context, svc *workflow.Service) error {
				st, err := svc.Advance(ctx, args[0], actorID(), reason)
				if err != nil {
					return err
				}
				return printState(st)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in history")
	return cmd
}

func workflowOverrideCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "override <project-id> <phase-key>",
		Short: "Jump to any phase of the project's composition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkflow(cmd.Context(), func(ctx context.Context, svc *workflow.Service) error {
				st, err := svc.Override(ctx, workflow.OverrideRequest{
					ProjectID:      args[0],
					TargetPhaseKey: args[1],
					ActorID:        actorID(),
					Reason:         reason,
				})
				if err != nil {
					return err
				}
				return printState(st)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in history")
	return cmd
}

func workflowCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <project-id>",
		Short: "Mark a project completed at its last phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkflow(cmd.Context(), func(ctx context.Context, svc *workflow.Service) error {
				st, err := svc.Complete(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printState(st)
			})
		},
	}
}

func workflowHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <project-id>",
		Short: "Show phase transitions, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkflow(cmd.Context(), func(ctx context.Context, svc *workflow.Service) error {
				hist, err := svc.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(hist)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "At", "From", "To", "By", "Kind", "Reason"})
				for _, tr := range hist {
					tw.AppendRow(table.Row{tr.ID, tr.CreatedAt.Format(time.RFC3339), derefOr(tr.FromPhaseKey, "-"), tr.ToPhaseKey, tr.TransitionedBy, transitionKind(tr), tr.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func workflowLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "automation-logs <project-id>",
		Short: "Show automation executions for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkflow(cmd.Context(), func(ctx context.Context, svc *workflow.Service) error {
				logs, err := svc.AutomationLogs(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(logs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "At", "Rule", "From", "To", "Outcome", "Error"})
				for _, l := range logs {
					tw.AppendRow(table.Row{l.ID, l.CreatedAt.Format(time.RFC3339), l.RuleID, l.FromPhaseKey, l.ToPhaseKey, l.Outcome, l.ErrorDetail})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func printState(st domain.PhaseState) error {
	if viper.GetBool("json") {
		return printJSON(st)
	}
	state := "open"
	if st.IsCompleted {
		state = "completed"
	}
	fmt.Printf("Project %s: phase %s (%d/%d) %s\n", st.ProjectID, st.CurrentPhaseKey, st.CurrentPhaseIndex+1, len(st.PhaseKeys), state)
	fmt.Printf("Phases: %s\n", strings.Join(st.PhaseKeys, " > "))
	return nil
}

func printAutomation(tr *domain.Transition, automationErr string) {
	switch {
	case tr != nil:
		fmt.Printf("Automation advanced %s -> %s\n", derefOr(tr.FromPhaseKey, "-"), tr.ToPhaseKey)
	case automationErr != "":
		fmt.Printf("Automation failed: %s\n", automationErr)
	}
}

func transitionKind(tr domain.Transition) string {
	switch {
	case tr.FromPhaseKey == nil:
		return "created"
	case tr.IsOverride:
		return "override"
	case tr.IsAutomated:
		return "automated"
	}
	return "manual"
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
