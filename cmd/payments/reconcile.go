package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"storepay/internal/payment"
)

func reconcileCmd() *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass over transactions with unknown outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)
			ctx := ctxOrBackground(cmd.Context())

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			finalized, err := payment.NewReconciler(a.service, logger).RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "finalized %d transactions\n", finalized)

			if purge {
				n, err := a.service.PurgeExpiredIdempotency(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired idempotency records\n", n)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "also purge expired idempotency records")
	return cmd
}
