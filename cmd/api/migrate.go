package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"huddle/api/internal/store"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply every pending migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, logger, err := bootstrap()
				if err != nil {
					return err
				}
				defer logger.Sync() //nolint:errcheck
				db, err := store.Open(cmd.Context(), cfg.DatabaseURL, logger)
				if err != nil {
					return err
				}
				defer db.Close()
				return store.ApplyMigrations(cmd.Context(), db, logger)
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, logger, err := bootstrap()
				if err != nil {
					return err
				}
				defer logger.Sync() //nolint:errcheck
				db, err := store.Open(cmd.Context(), cfg.DatabaseURL, logger)
				if err != nil {
					return err
				}
				defer db.Close()
				return store.RollbackMigration(cmd.Context(), db, logger)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, logger, err := bootstrap()
				if err != nil {
					return err
				}
				defer logger.Sync() //nolint:errcheck
				db, err := store.Open(cmd.Context(), cfg.DatabaseURL, logger)
				if err != nil {
					return err
				}
				defer db.Close()
				statuses, err := store.MigrationsStatus(cmd.Context(), db)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, status := range statuses {
					state := "pending"
					if status.Applied {
						state = "applied"
					}
					fmt.Fprintf(out, "%05d  %-8s %s\n", status.Version, state, status.Name)
				}
				return nil
			},
		},
	)
	return cmd
}
