package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/clients"
	"github.com/akylbek/payment-system/payment-service/internal/config"
	"github.com/akylbek/payment-system/payment-service/internal/dispatcher"
	"github.com/akylbek/payment-system/payment-service/internal/events"
	"github.com/akylbek/payment-system/payment-service/internal/interfaces"
	"github.com/akylbek/payment-system/payment-service/internal/repository"
	"github.com/akylbek/payment-system/payment-service/internal/telemetry"
)

// resources owns every external connection opened for a command and closes them in reverse order.
type resources struct {
	closers []func() error
}

func (r *resources) onClose(fn func() error) {
	r.closers = append(r.closers, fn)
}

func (r *resources) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			telemetry.Logger.Warn("Failed to close resource", zap.Error(err))
		}
	}
}

func initTelemetry(cfg *config.Config) error {
	return telemetry.InitTelemetry(telemetry.Config{
		ServiceName:  "payment-service",
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
}

// openStore connects the configured payment store. The Postgres schema is created on demand.
func openStore(ctx context.Context, cfg *config.Config, res *resources) (interfaces.PaymentStore, error) {
	if cfg.StorageDriver == config.StorageMemory {
		telemetry.Logger.Warn("Using in-memory payment store, data will not survive a restart")
		return repository.NewMemoryRepository(), nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	res.onClose(db.Close)

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	repo := repository.NewPaymentRepository(db)
	if err := repo.InitDB(ctx); err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	return repo, nil
}

// connectRedis returns nil when no Redis is configured or reachable; the idempotency
// store then reads straight from the payment store.
func connectRedis(ctx context.Context, cfg *config.Config, res *resources) *redis.Client {
	if cfg.RedisURL == "" {
		return nil
	}

	opts := &redis.Options{Addr: cfg.RedisURL}
	if strings.HasPrefix(cfg.RedisURL, "redis://") || strings.HasPrefix(cfg.RedisURL, "rediss://") {
		parsed, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			telemetry.Logger.Warn("Invalid REDIS_URL, idempotency cache disabled", zap.Error(err))
			return nil
		}
		opts = parsed
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		telemetry.Logger.Warn("Redis unreachable, idempotency cache disabled", zap.Error(err))
		client.Close()
		return nil
	}
	res.onClose(client.Close)
	return client
}

// buildClients picks a transport for each collaborator. Anything not configured gets a no-op client.
func buildClients(cfg *config.Config, res *resources) (dispatcher.Clients, error) {
	logger := telemetry.Logger
	noop := clients.NewNoop(logger)
	out := dispatcher.Clients{
		Orders:        noop,
		Inventory:     noop,
		Notifications: noop,
		Events:        noop,
	}

	if cfg.OrderServiceURL != "" {
		out.Orders = clients.NewOrderClient(cfg.OrderServiceURL, logger)
	}
	if cfg.InventoryServiceURL != "" {
		out.Inventory = clients.NewInventoryClient(cfg.InventoryServiceURL, logger)
	}

	switch {
	case cfg.NATSURL != "":
		nc, err := nats.Connect(cfg.NATSURL,
			nats.Name("payment-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return out, fmt.Errorf("connect to NATS: %w", err)
		}
		res.onClose(func() error { return nc.Drain() })
		out.Notifications = clients.NewNATSNotifier(nc, cfg.NotificationSubject, logger)
		telemetry.Logger.Info("Publishing user notifications on NATS", zap.String("subject", cfg.NotificationSubject))
	case cfg.NotificationServiceURL != "":
		out.Notifications = clients.NewNotificationClient(cfg.NotificationServiceURL, logger)
	}

	if cfg.KafkaBrokers != "" {
		publisher := events.NewKafkaPublisher(events.NewKafkaWriter(cfg.KafkaBrokers), logger)
		res.onClose(publisher.Close)
		out.Events = publisher
	}
	return out, nil
}
