package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kfrrst/website-sub010/internal/app"
	"github.com/kfrrst/website-sub010/internal/server"
)

func serveCmd() *cobra.Command {
	var (
		addr, basePath string
		sweepInterval  time.Duration
		devAuth        bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, automation sweeper and webhook dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{
					JWTSecret:              viper.GetString("jwt-secret"),
					AllowLegacyActorHeader: devAuth,
					AllowDevLogin:          devAuth,
					Logger:                 a.Logger,
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("PORTAL_JWT_SECRET (or --jwt-secret) is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Workflow: a.Workflow,
					Metrics:  a.Metrics,
					BasePath: basePath,
					Auth:     authCfg,
				})
				if err != nil {
					return err
				}
				go a.Workflow.RunSweeper(ctx, sweepInterval)
				if a.Dispatcher != nil {
					go a.Dispatcher.Run(ctx)
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info("serving workflow API", "addr", addr, "base_path", basePath, "sweep_interval", sweepInterval, "dev_auth", devAuth)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().DurationVar(&sweepInterval, "sweep-interval", time.Hour, "automation sweep interval (0 disables)")
	cmd.Flags().BoolVar(&devAuth, "dev-auth", false, "accept X-Actor-Id headers and enable /auth/dev/login")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		roles string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <actor-id>",
		Short: "Mint a bearer token for an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("PORTAL_JWT_SECRET (or --jwt-secret) is required")
			}
			tok, err := server.SignToken(secret, args[0], strings.Split(roles, ","), ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&roles, "roles", server.RoleAdmin, "comma-separated roles: admin, client, system")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
