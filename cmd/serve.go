package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/api"
	"github.com/akylbek/payment-system/payment-service/internal/charge"
	"github.com/akylbek/payment-system/payment-service/internal/config"
	"github.com/akylbek/payment-system/payment-service/internal/dispatcher"
	"github.com/akylbek/payment-system/payment-service/internal/idempotency"
	"github.com/akylbek/payment-system/payment-service/internal/ledger"
	"github.com/akylbek/payment-system/payment-service/internal/metrics"
	"github.com/akylbek/payment-system/payment-service/internal/telemetry"
)

const purgeInterval = time.Hour

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the payment HTTP API",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize telemetry
	if err := initTelemetry(cfg); err != nil {
		return err
	}
	defer telemetry.Shutdown(context.Background())

	telemetry.Logger.Info("Starting Payment Service", zap.String("storage", cfg.StorageDriver))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res := &resources{}
	defer res.Close()

	store, err := openStore(ctx, cfg, res)
	if err != nil {
		telemetry.Logger.Error("Failed to open payment store", zap.Error(err))
		return err
	}

	collaborators, err := buildClients(cfg, res)
	if err != nil {
		telemetry.Logger.Error("Failed to connect collaborators", zap.Error(err))
		return err
	}

	recorder := metrics.NewRecorder()
	notifier := dispatcher.New(collaborators, dispatcher.Config{
		QueueSize:     cfg.DispatchQueueSize,
		Workers:       cfg.DispatchWorkers,
		RatePerSecond: cfg.CollaboratorRPS,
	}, recorder, telemetry.Logger)
	notifier.Start()

	var keyOpts []idempotency.Option
	if cache := connectRedis(ctx, cfg, res); cache != nil {
		keyOpts = append(keyOpts, idempotency.WithCache(cache))
	}
	keys := idempotency.NewStore(store, cfg.IdempotencyTTL, telemetry.Logger, keyOpts...)

	ledgerSvc := ledger.NewService(store, notifier, recorder, telemetry.Logger, ledger.WithMaxAmount(cfg.MaxPaymentAmount))
	charges := charge.NewOrchestrator(store, keys, ledgerSvc, recorder, telemetry.Logger)

	router := api.NewRouter(api.Dependencies{
		Ledger:  ledgerSvc,
		Charges: charges,
		Keys:    keys,
		Metrics: recorder,
	})

	go purgeExpiredKeys(ctx, keys)

	// Setup HTTP server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		telemetry.Logger.Info("Payment Service starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		telemetry.Logger.Error("Failed to start server", zap.Error(err))
		return err
	}

	telemetry.Logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		telemetry.Logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := notifier.Shutdown(shutdownCtx); err != nil {
		telemetry.Logger.Warn("Dropped undelivered notifications", zap.Error(err))
	}

	telemetry.Logger.Info("Server exited")
	return nil
}

func purgeExpiredKeys(ctx context.Context, keys *idempotency.Store) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := keys.PurgeExpired(ctx)
			if err != nil {
				telemetry.Logger.Warn("Failed to purge expired idempotency keys", zap.Error(err))
				continue
			}
			if purged > 0 {
				telemetry.Logger.Info("Purged expired idempotency keys", zap.Int64("count", purged))
			}
		}
	}
}
