package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"vilniustech/student-portal/internal/app"
	"vilniustech/student-portal/internal/config"
	"vilniustech/student-portal/internal/observability"
)

// NewRootCmd builds the CLI. Without a subcommand it serves HTTP.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "student-portal",
		Short: "University student portal",
		Long: `Student portal web server. Configuration is read from the environment
(HTTP_ADDR, DATABASE_URL, SESSION_SECRET, ADMIN_IDENTIFIER and friends).`,
		SilenceUsage: true,
		RunE:         runServe,
	}

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewSeedAdminCmd())
	return cmd
}

func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return oops.Code("CONFIG_INVALID").Wrap(err)
	}
	logger := observability.NewLogger(cfg.LogFormat, cmd.ErrOrStderr())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		observability.LogError(logger, "create app failed", err)
		return err
	}
	if err := a.Run(ctx); err != nil {
		observability.LogError(logger, "run app failed", err)
		return err
	}
	return nil
}
