package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/splax/hostd/internal/app/migrate"
	"github.com/splax/hostd/pkg/config"
	"github.com/splax/hostd/pkg/logger"
)

func newMigrateCommand() *cobra.Command {
	var (
		timeout time.Duration
		target  int64
	)
	run := func(action string) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg := config.LoadEngineConfig()
			log := logger.New("migrate", logger.ParseLevel(cfg.LogLevel))

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
			if err != nil {
				log.Error("failed to configure migration runner", "error", err)
				return err
			}
			switch action {
			case "up":
				err = runner.Ensure(ctx)
			case "status":
				err = runner.Status(ctx)
			case "down":
				err = runner.Down(ctx, target)
			}
			if err != nil {
				log.Error("migration command failed", "command", action, "error", err)
				return err
			}
			log.Info("migration command completed", "command", action)
			return nil
		}
	}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", time.Minute, "command timeout")
	down := &cobra.Command{Use: "down", Short: "Roll back the latest migration, or down to --target", RunE: run("down")}
	down.Flags().Int64Var(&target, "target", 0, "target version (optional)")
	cmd.AddCommand(
		&cobra.Command{Use: "up", Short: "Apply pending migrations", RunE: run("up")},
		&cobra.Command{Use: "status", Short: "Show applied and pending migrations", RunE: run("status")},
		down,
	)
	return cmd
}
