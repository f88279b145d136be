package main

import (
	"fmt"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/dispatch"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/repository"
	"github.com/spf13/cobra"
)

// NewSweepCommand runs one stale claim sweep, e.g. after a dispatcher crash.
func NewSweepCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Recover reminders claimed by dispatchers that stopped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.openDB(opts.config)
			if err != nil {
				return err
			}

			c := opts.config
			sweeper := dispatch.NewSweeper(
				repository.NewReminderRepository(db),
				repository.NewDeliveryLogRepository(db),
				dispatch.Config{
					BatchSize:       c.DispatchBatchSize,
					MaxRetries:      c.DispatchMaxRetries,
					StaleClaimAfter: c.StaleClaimAfter,
				},
			)
			recovered, err := sweeper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d stale claims\n", recovered)
			return nil
		},
	}
}
