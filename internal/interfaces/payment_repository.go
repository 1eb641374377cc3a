package interfaces

import (
	"context"
	"time"

	"github.com/akylbek/payment-system/payment-service/internal/models"
)

// PaymentStore defines the contract for payment data access.
// Reads run outside a unit of work; every mutation runs inside WithTx.
type PaymentStore interface {
	IdempotencyRepository

	// WithTx runs fn in one unit of work. A non-nil error from fn rolls back every
	// write fn made; nil commits them atomically.
	WithTx(ctx context.Context, fn func(tx PaymentTx) error) error

	GetByID(ctx context.Context, id string) (*models.Payment, error)
	GetByOrderID(ctx context.Context, orderID int64) (*models.Payment, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*models.Payment, error)
	List(ctx context.Context, filter models.PaymentFilter) ([]models.Payment, int64, error)
}

// PaymentTx is the write side of a unit of work.
type PaymentTx interface {
	IdempotencyWriter

	// InsertPayment fails with apperrors.ErrDuplicateOrder when the order already has a payment.
	InsertPayment(ctx context.Context, payment *models.Payment) error
	// GetForUpdate loads a payment and holds it against concurrent writers until the unit ends.
	GetForUpdate(ctx context.Context, id string) (*models.Payment, error)
	UpdatePayment(ctx context.Context, payment *models.Payment) error
	AppendTransaction(ctx context.Context, txn *models.Transaction) error
}

type IdempotencyWriter interface {
	// InsertIdempotencyRecord inserts rec unless a fresh record holds the key, replacing an
	// expired one. It reports false when a fresh record already exists.
	InsertIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) (bool, error)
}

type IdempotencyRepository interface {
	IdempotencyWriter

	GetIdempotencyRecord(ctx context.Context, key string) (*models.IdempotencyRecord, error)
	// DeleteExpiredIdempotencyRecord removes key only if it expired at or before now.
	DeleteExpiredIdempotencyRecord(ctx context.Context, key string, now time.Time) error
	PurgeExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error)
}
