package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	Port            string
	Environment     string
	ShutdownTimeout time.Duration

	StorageDriver string
	DatabaseURL   string
	RedisURL      string

	KafkaBrokers        string
	NATSURL             string
	NotificationSubject string
	OTLPEndpoint        string

	OrderServiceURL        string
	InventoryServiceURL    string
	NotificationServiceURL string

	MaxPaymentAmount  decimal.Decimal
	IdempotencyTTL    time.Duration
	DispatchQueueSize int
	DispatchWorkers   int
	CollaboratorRPS   float64
}

// Load reads the environment, after merging a .env file from the working directory if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getenv("PORT", "8086"),
		Environment:            getenv("APP_ENV", "production"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisURL:               os.Getenv("REDIS_URL"),
		KafkaBrokers:           os.Getenv("KAFKA_BROKERS"),
		NATSURL:                os.Getenv("NATS_URL"),
		NotificationSubject:    getenv("NOTIFICATION_SUBJECT", "notifications.user"),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_ENDPOINT"),
		OrderServiceURL:        os.Getenv("ORDER_SERVICE_URL"),
		InventoryServiceURL:    os.Getenv("INVENTORY_SERVICE_URL"),
		NotificationServiceURL: os.Getenv("NOTIFICATION_SERVICE_URL"),
	}

	cfg.StorageDriver = strings.ToLower(os.Getenv("STORAGE_DRIVER"))
	if cfg.StorageDriver == "" {
		cfg.StorageDriver = StorageMemory
		if cfg.DatabaseURL != "" {
			cfg.StorageDriver = StoragePostgres
		}
	}
	if cfg.StorageDriver != StoragePostgres && cfg.StorageDriver != StorageMemory {
		return nil, fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q", StoragePostgres, StorageMemory, cfg.StorageDriver)
	}
	if cfg.StorageDriver == StoragePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for the %s storage driver", StoragePostgres)
	}

	var err error
	if cfg.MaxPaymentAmount, err = decimal.NewFromString(getenv("MAX_PAYMENT_AMOUNT", "100000.00")); err != nil {
		return nil, fmt.Errorf("MAX_PAYMENT_AMOUNT: %w", err)
	}
	if !cfg.MaxPaymentAmount.IsPositive() {
		return nil, fmt.Errorf("MAX_PAYMENT_AMOUNT must be positive")
	}
	if cfg.IdempotencyTTL, err = cast.ToDurationE(getenv("IDEMPOTENCY_TTL", "24h")); err != nil {
		return nil, fmt.Errorf("IDEMPOTENCY_TTL: %w", err)
	}
	if cfg.ShutdownTimeout, err = cast.ToDurationE(getenv("SHUTDOWN_TIMEOUT", "5s")); err != nil {
		return nil, fmt.Errorf("SHUTDOWN_TIMEOUT: %w", err)
	}
	if cfg.DispatchQueueSize, err = cast.ToIntE(getenv("DISPATCH_QUEUE_SIZE", "256")); err != nil {
		return nil, fmt.Errorf("DISPATCH_QUEUE_SIZE: %w", err)
	}
	if cfg.DispatchWorkers, err = cast.ToIntE(getenv("DISPATCH_WORKERS", "4")); err != nil {
		return nil, fmt.Errorf("DISPATCH_WORKERS: %w", err)
	}
	if cfg.CollaboratorRPS, err = cast.ToFloat64E(getenv("COLLABORATOR_RPS", "0")); err != nil {
		return nil, fmt.Errorf("COLLABORATOR_RPS: %w", err)
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
