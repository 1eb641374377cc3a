package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/akylbek/payment-system/payment-service/internal/apperrors"
	"github.com/akylbek/payment-system/payment-service/internal/interfaces"
	"github.com/akylbek/payment-system/payment-service/internal/models"
)

const (
	uniqueViolation    = "23505"
	orderIDConstraint  = "payments_order_id_key"
	paymentColumns     = `payment_id, order_id, user_id, amount, currency, payment_method, status, transaction_id, reference, authorization_code, gateway_response, created_at, updated_at, completed_at, captured_at`
	transactionColumns = `transaction_log_id, payment_id, transaction_type, amount, status, description, created_at`
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

type PaymentRepository struct {
	db *sql.DB
}

var _ interfaces.PaymentStore = (*PaymentRepository)(nil)

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) InitDB(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS payments (
			payment_id VARCHAR(64) PRIMARY KEY,
			order_id BIGINT NOT NULL UNIQUE,
			user_id BIGINT NOT NULL,
			amount DECIMAL(15,2) NOT NULL,
			currency VARCHAR(3) NOT NULL DEFAULT 'INR',
			payment_method VARCHAR(20) NOT NULL,
			status VARCHAR(20) NOT NULL,
			transaction_id VARCHAR(50) NOT NULL UNIQUE,
			reference VARCHAR(100),
			authorization_code VARCHAR(50),
			gateway_response VARCHAR(500),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ,
			captured_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_user_id ON payments(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_created_at ON payments(created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS payment_transactions (
			transaction_log_id BIGSERIAL PRIMARY KEY,
			payment_id VARCHAR(64) NOT NULL REFERENCES payments(payment_id) ON DELETE CASCADE,
			transaction_type VARCHAR(20) NOT NULL,
			amount DECIMAL(15,2) NOT NULL,
			status VARCHAR(20) NOT NULL,
			description VARCHAR(500),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_transactions_payment_id ON payment_transactions(payment_id)`,

		`CREATE TABLE IF NOT EXISTS idempotency_records (
			idempotency_key VARCHAR(255) PRIMARY KEY,
			request_hash VARCHAR(64) NOT NULL,
			payment_id VARCHAR(64),
			response_body BYTEA NOT NULL,
			status_code INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_records_expires_at ON idempotency_records(expires_at)`,
	}

	for _, query := range queries {
		if _, err := r.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}

	return nil
}

func (r *PaymentRepository) WithTx(ctx context.Context, fn func(tx interfaces.PaymentTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(&paymentTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *PaymentRepository) GetByID(ctx context.Context, id string) (*models.Payment, error) {
	return r.getWithTransactions(ctx, "payment_id = $1", id)
}

func (r *PaymentRepository) GetByOrderID(ctx context.Context, orderID int64) (*models.Payment, error) {
	return r.getWithTransactions(ctx, "order_id = $1", orderID)
}

func (r *PaymentRepository) GetByTransactionID(ctx context.Context, transactionID string) (*models.Payment, error) {
	return r.getWithTransactions(ctx, "transaction_id = $1", transactionID)
}

func (r *PaymentRepository) getWithTransactions(ctx context.Context, where string, arg any) (*models.Payment, error) {
	payment, err := scanPayment(r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE `+where, arg))
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM payment_transactions
		WHERE payment_id = $1
		ORDER BY transaction_log_id ASC
	`, payment.PaymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payment.Transactions = []models.Transaction{}
	for rows.Next() {
		var txn models.Transaction
		var description sql.NullString
		if err := rows.Scan(&txn.TransactionLogID, &txn.PaymentID, &txn.TransactionType,
			&txn.Amount, &txn.Status, &description, &txn.CreatedAt); err != nil {
			return nil, err
		}
		txn.Description = description.String
		payment.Transactions = append(payment.Transactions, txn)
	}
	return payment, rows.Err()
}

func (r *PaymentRepository) List(ctx context.Context, filter models.PaymentFilter) ([]models.Payment, int64, error) {
	var conditions []string
	var args []any
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.PaymentMethod != "" {
		args = append(args, filter.PaymentMethod)
		conditions = append(conditions, fmt.Sprintf("payment_method = $%d", len(args)))
	}
	if filter.UserID != 0 {
		args = append(args, filter.UserID)
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM payments`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM payments%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		paymentColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	payments := []models.Payment{}
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, 0, err
		}
		payments = append(payments, *payment)
	}
	return payments, total, rows.Err()
}

func (r *PaymentRepository) GetIdempotencyRecord(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	var paymentID sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT idempotency_key, request_hash, payment_id, response_body, status_code, created_at, expires_at
		FROM idempotency_records WHERE idempotency_key = $1
	`, key).Scan(&rec.Key, &rec.RequestHash, &paymentID, &rec.ResponseBody, &rec.StatusCode,
		&rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.KindNotFound, "Idempotency key %s not found", key)
	}
	if err != nil {
		return nil, err
	}
	rec.PaymentID = paymentID.String
	return &rec, nil
}

func (r *PaymentRepository) InsertIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) (bool, error) {
	return insertIdempotencyRecord(ctx, r.db, rec)
}

func (r *PaymentRepository) DeleteExpiredIdempotencyRecord(ctx context.Context, key string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE idempotency_key = $1 AND expires_at <= $2`, key, now)
	return err
}

func (r *PaymentRepository) PurgeExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type paymentTx struct {
	tx *sql.Tx
}

func (t *paymentTx) InsertPayment(ctx context.Context, p *models.Payment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, p.PaymentID, p.OrderID, p.UserID, p.Amount, p.Currency, p.PaymentMethod, p.Status,
		p.TransactionID, nullString(p.Reference), nullString(p.AuthorizationCode),
		nullString(p.GatewayResponse), p.CreatedAt, p.UpdatedAt, p.CompletedAt, p.CapturedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == orderIDConstraint {
		return apperrors.Newf(apperrors.KindDuplicateOrder, "Payment for order_id %d already exists", p.OrderID)
	}
	return err
}

func (t *paymentTx) GetForUpdate(ctx context.Context, id string) (*models.Payment, error) {
	return scanPayment(t.tx.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE payment_id = $1 FOR UPDATE`, id))
}

func (t *paymentTx) UpdatePayment(ctx context.Context, p *models.Payment) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE payments
		SET status = $1, gateway_response = $2, authorization_code = $3,
			updated_at = $4, completed_at = $5, captured_at = $6
		WHERE payment_id = $7
	`, p.Status, nullString(p.GatewayResponse), nullString(p.AuthorizationCode),
		p.UpdatedAt, p.CompletedAt, p.CapturedAt, p.PaymentID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.Newf(apperrors.KindNotFound, "Payment %s not found", p.PaymentID)
	}
	return nil
}

func (t *paymentTx) AppendTransaction(ctx context.Context, txn *models.Transaction) error {
	return t.tx.QueryRowContext(ctx, `
		INSERT INTO payment_transactions (payment_id, transaction_type, amount, status, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING transaction_log_id
	`, txn.PaymentID, txn.TransactionType, txn.Amount, txn.Status, txn.Description, txn.CreatedAt).
		Scan(&txn.TransactionLogID)
}

func (t *paymentTx) InsertIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) (bool, error) {
	return insertIdempotencyRecord(ctx, t.tx, rec)
}

// insertIdempotencyRecord relies on the primary key: concurrent writers for one key
// serialize on it, and only an expired row may be overwritten.
func insertIdempotencyRecord(ctx context.Context, q queryer, rec *models.IdempotencyRecord) (bool, error) {
	result, err := q.ExecContext(ctx, `
		INSERT INTO idempotency_records
			(idempotency_key, request_hash, payment_id, response_body, status_code, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			request_hash = EXCLUDED.request_hash,
			payment_id = EXCLUDED.payment_id,
			response_body = EXCLUDED.response_body,
			status_code = EXCLUDED.status_code,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
		WHERE idempotency_records.expires_at <= EXCLUDED.created_at
	`, rec.Key, rec.RequestHash, nullString(rec.PaymentID), rec.ResponseBody, rec.StatusCode,
		rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	var reference, authCode, gatewayResponse sql.NullString
	var completedAt, capturedAt sql.NullTime

	err := row.Scan(&p.PaymentID, &p.OrderID, &p.UserID, &p.Amount, &p.Currency, &p.PaymentMethod,
		&p.Status, &p.TransactionID, &reference, &authCode, &gatewayResponse,
		&p.CreatedAt, &p.UpdatedAt, &completedAt, &capturedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.KindNotFound, "Payment not found", nil)
	}
	if err != nil {
		return nil, err
	}

	p.Reference = reference.String
	p.AuthorizationCode = authCode.String
	p.GatewayResponse = gatewayResponse.String
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	if capturedAt.Valid {
		p.CapturedAt = &capturedAt.Time
	}
	return &p, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
