package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kfrrst/website-sub010/internal/config"
	"github.com/kfrrst/website-sub010/internal/db"
	"github.com/kfrrst/website-sub010/internal/migrate"
	"github.com/kfrrst/website-sub010/internal/workflow"
)

func catalogCmd() *cobra.Command {
	cat := &cobra.Command{Use: "catalog", Short: "Phases, service types and requirements"}
	cat.AddCommand(catalogInitCmd())
	cat.AddCommand(catalogValidateCmd())
	cat.AddCommand(catalogPhasesCmd())
	cat.AddCommand(catalogPhaseCmd())
	cat.AddCommand(catalogServicesCmd())
	cat.AddCommand(catalogComposeCmd())
	return cat
}

func catalogInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default portal.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func catalogValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace portal.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
}

func catalogPhasesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "phases",
		Short: "List catalog phases with their requirements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkflow(cmd.Context(), func(ctx context.Context, svc *workflow.Service) error {
				phases := svc.ListPhases()
				if viper.GetBool("json") {
					return printJSON(phases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Name", "Category", "Client action", "Requirements"})
				for _, p := range phases {
					reqs, err := svc.RequirementsFor(p.Key)
					if err != nil {
						return err
					}
					keys := make([]string, 0, len(reqs))
					for _, r := range reqs {
						k := r.RequirementKey
						if !r.IsMandatory {
							k += "?"
						}
						keys = append(keys, k)
					}
					tw.AppendRow(table.Row{p.Key, p.Name, p.Category, p.RequiresClientAction, strings.Join(keys, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func catalogPhaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "phase <phase-key>",
		Short: "Show one phase and its requirements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkflow(cmd.Context(), func(ctx context.Context, svc *workflow.Service) error {
				phase, err := svc.GetPhase(args[0])
				if err != nil {
					return err
				}
				reqs, err := svc.RequirementsFor(phase.Key)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"phase": phase, "requirements": reqs})
				}
				fmt.Printf("%s  %s (%s)\n", phase.Key, phase.Name, phase.Category)
				if phase.Description != "" {
					fmt.Println(phase.Description)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Requirement", "Type", "Mandatory", "Actor", "Description"})
				for _, r := range reqs {
					tw.AppendRow(table.Row{r.SortOrder, r.RequirementKey, r.Type, r.IsMandatory, r.Actor, r.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func catalogServicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List service types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkflow(cmd.Context(), func(ctx context.Context, svc *workflow.Service) error {
				services := svc.ListServices()
				if viper.GetBool("json") {
					return printJSON(services)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Code", "Name", "Default phases"})
				for _, s := range services {
					tw.AppendRow(table.Row{s.Code, s.Name, strings.Join(s.DefaultPhaseKeys, " > ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func catalogComposeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compose [service-code...]",
		Short: "Preview the phase list for a set of service types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkflow(cmd.Context(), func(ctx context.Context, svc *workflow.Service) error {
				keys, err := svc.ComposePhases(args)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				fmt.Println(strings.Join(keys, " > "))
				return nil
			})
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := settings()
			conn, err := db.Open(db.Config{Driver: s.Driver, DSN: s.DSN, Workspace: s.Workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			ctx := cmd.Context()
			if err := migrate.Migrate(ctx, conn); err != nil {
				return err
			}
			v, err := migrate.Version(ctx, conn)
			if err != nil {
				return err
			}
			fmt.Printf("%s schema at version %d\n", conn.Dialect, v)
			return nil
		},
	}
}
