package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"mediabrief/internal/config"
	"mediabrief/internal/storage"
)

func newSweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention pass",
		Long: `Runs one retention pass and exits:
  1. Delete terminal jobs older than retention.job_retention
  2. Finalize cancel requests older than jobs.cancel_grace
  3. Fail running jobs without progress for queue.job_timeout + jobs.cancel_grace
  4. Give staged upload blobs without an expiry the configured TTL

The pass is skipped when another process holds the sweep lock.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.sweeper.Run(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if res.Skipped {
				fmt.Fprintln(out, "Sweep skipped: lock held by another process.")
				return nil
			}
			fmt.Fprintf(out, "Deleted %d jobs, finalized %d cancels, timed out %d running jobs, normalized %d blobs.\n",
				res.Deleted, res.Finalized, res.TimedOut, res.Normalized)
			return nil
		},
	}
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the job store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runMigrate(cmd.OutOrStdout(), cfg)
		},
	}
}

func runMigrate(out io.Writer, cfg *config.Config) error {
	switch cfg.Database.Driver {
	case "mysql":
		db, err := storage.ConnectMySQL(cfg.Database.DSN)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		if err := storage.AutoMigrate(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	default:
		// Open applies the embedded schema
		db, err := storage.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		db.Close()
	}
	fmt.Fprintf(out, "Schema is up to date (%s).\n", cfg.Database.Driver)
	return nil
}
