package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kfrrst/website-sub010/internal/app"
	"github.com/kfrrst/website-sub010/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "portal",
	Short: "Client portal workflow CLI",
	Long: `portal tracks each client project through its service phases.
- Catalog: the phases, service types and per-phase requirements, read from portal.yml.
- Workflow: a project's frozen phase list, its current phase and its transition history.
- Requirements: forms, signatures, payments, reviews and manual steps that gate a phase.
- Automation: rules that advance a project when a phase's condition holds.
- Override: an admin jump to any phase, always recorded as an override.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("PORTAL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory (portal.yml and .portal/portal.db)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-admin", "actor identifier recorded on changes")
	flags.String("db-driver", "sqlite", "database driver: sqlite or postgres")
	flags.String("database-url", "", "postgres connection string, or sqlite file path")
	flags.String("lock-backend", app.LockMemory, "project lock backend: memory or redis")
	flags.String("redis-addr", "", "redis address for the redis lock backend")
	flags.Duration("lock-timeout", 0, "max wait for a project lock (default 5s)")
	flags.String("nats-url", "", "publish transitions to this NATS server")
	flags.String("jwt-secret", "", "HS256 secret for bearer tokens")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")
	for _, name := range []string{
		"workspace", "json", "actor-id", "db-driver", "database-url", "lock-backend",
		"redis-addr", "lock-timeout", "nats-url", "jwt-secret", "log-level", "log-format",
	} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(migrateCmd())
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if viper.GetString("log-format") == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(h)
}

func settings() app.Settings {
	return app.Settings{
		Workspace:   viper.GetString("workspace"),
		Driver:      viper.GetString("db-driver"),
		DSN:         viper.GetString("database-url"),
		LockBackend: viper.GetString("lock-backend"),
		RedisAddr:   viper.GetString("redis-addr"),
		LockTimeout: viper.GetDuration("lock-timeout"),
		NATSURL:     viper.GetString("nats-url"),
		Logger:      newLogger(),
	}
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, settings())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withWorkflow(ctx context.Context, fn func(context.Context, *workflow.Service) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Workflow)
	})
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// exitCode distinguishes transient failures so scripts can retry.
func exitCode(err error) int {
	switch workflow.KindOf(err) {
	case workflow.KindConcurrentModification:
		return 75
	case workflow.KindNotFound, workflow.KindInvalidArgument, workflow.KindUnknownRequirement,
		workflow.KindTerminalPhase, workflow.KindPhaseNotSatisfied, workflow.KindAlreadyTracked:
		return 2
	}
	return 1
}
