package main

import (
	"fmt"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/bootstrap"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/pg"
	"github.com/spf13/cobra"
)

type migrateFunc func(cfg pg.Config, dir string) error

func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect database migrations",
		Args:  cobra.NoArgs,
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "migrations directory (default MIGRATIONS_DIR)")

	sub := func(use, short string, run migrateFunc) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				d := dir
				if d == "" {
					d = opts.config.MigrationsDir
				}
				_, write := bootstrap.PostgresConfigs(opts.config)
				if err := run(write, d); err != nil {
					return fmt.Errorf("migrate %s: %w", use, err)
				}
				return nil
			},
		}
	}

	cmd.AddCommand(sub("up", "Apply all pending migrations", pg.Migrate))
	cmd.AddCommand(sub("down", "Roll back the latest migration", pg.Rollback))
	cmd.AddCommand(sub("status", "Print the migration status", pg.Status))

	return cmd
}
