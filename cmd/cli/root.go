package main

import (
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/bootstrap"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/config"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/pg"
	"github.com/spf13/cobra"
)

// RootOptions holds the global flags and what they resolve to.
type RootOptions struct {
	EnvPath string

	config *config.Config
	// openDB is swapped in tests.
	openDB func(c *config.Config) (*pg.DB, error)
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{openDB: bootstrap.OpenDB}
	return newRootCommand(opts)
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "reminders",
		Short:         "Court reminder engine administration",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := bootstrap.Load(opts.EnvPath)
			if err != nil {
				return err
			}
			opts.config = c
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.EnvPath, "env", "", "path to a .env file")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))

	return cmd
}
