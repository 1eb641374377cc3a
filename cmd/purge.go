package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/config"
	"github.com/akylbek/payment-system/payment-service/internal/idempotency"
	"github.com/akylbek/payment-system/payment-service/internal/telemetry"
)

func purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge-idempotency",
		Short: "Delete expired idempotency records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := initTelemetry(cfg); err != nil {
				return err
			}
			defer telemetry.Shutdown(context.Background())

			res := &resources{}
			defer res.Close()

			store, err := openStore(cmd.Context(), cfg, res)
			if err != nil {
				return err
			}

			keys := idempotency.NewStore(store, cfg.IdempotencyTTL, telemetry.Logger)
			purged, err := keys.PurgeExpired(cmd.Context())
			if err != nil {
				return fmt.Errorf("purge idempotency records: %w", err)
			}

			telemetry.Logger.Info("Purged expired idempotency records", zap.Int64("count", purged))
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired idempotency records\n", purged)
			return nil
		},
	}
}
