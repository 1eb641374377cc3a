package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/config"
	"github.com/akylbek/payment-system/payment-service/internal/telemetry"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the payment tables and indexes",
		Long: `Create the payments, payment_transactions and idempotency_records tables
in the database named by DATABASE_URL. The statements are idempotent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := initTelemetry(cfg); err != nil {
				return err
			}
			defer telemetry.Shutdown(context.Background())

			if cfg.StorageDriver != config.StoragePostgres {
				telemetry.Logger.Info("Nothing to migrate for storage driver", zap.String("storage", cfg.StorageDriver))
				return nil
			}

			res := &resources{}
			defer res.Close()

			// openStore runs the schema statements.
			if _, err := openStore(cmd.Context(), cfg, res); err != nil {
				return err
			}
			telemetry.Logger.Info("Database schema is up to date")
			return nil
		},
	}
}
