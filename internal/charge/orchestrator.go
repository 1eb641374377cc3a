package charge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/akylbek/payment-system/payment-service/internal/apperrors"
	"github.com/akylbek/payment-system/payment-service/internal/idempotency"
	"github.com/akylbek/payment-system/payment-service/internal/interfaces"
	"github.com/akylbek/payment-system/payment-service/internal/ledger"
	"github.com/akylbek/payment-system/payment-service/internal/metrics"
	"github.com/akylbek/payment-system/payment-service/internal/models"
)

const simulatedGatewayResponse = "Payment captured (simulated gateway)"

type Command struct {
	Key         string
	RequestHash string
	Request     models.PaymentRequest
}

// Result is the response to return for a charge. Body is the exact byte sequence
// stored under the idempotency key.
type Result struct {
	StatusCode int
	Body       []byte
	PaymentID  string
	Replayed   bool
}

// Orchestrator runs the idempotent charge protocol: a retried request under the same
// key gets the first response back and never creates a second payment.
type Orchestrator struct {
	store   interfaces.PaymentStore
	keys    *idempotency.Store
	ledger  *ledger.Service
	metrics *metrics.Recorder
	logger  *zap.Logger
	tracer  trace.Tracer
	flight  singleflight.Group
}

func NewOrchestrator(store interfaces.PaymentStore, keys *idempotency.Store, ledgerSvc *ledger.Service, recorder *metrics.Recorder, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:   store,
		keys:    keys,
		ledger:  ledgerSvc,
		metrics: recorder,
		logger:  logger,
		tracer:  otel.Tracer("payment-service/charge"),
	}
}

func (o *Orchestrator) Charge(ctx context.Context, cmd Command) (*Result, error) {
	if strings.TrimSpace(cmd.Key) == "" {
		return nil, apperrors.New(apperrors.KindValidation, "Idempotency-Key is required", nil)
	}

	v, err, _ := o.flight.Do(cmd.Key, func() (any, error) {
		return o.charge(ctx, cmd)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*Result)
	return &res, nil
}

func (o *Orchestrator) charge(ctx context.Context, cmd Command) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "charge.Charge", trace.WithAttributes(
		attribute.String("idempotency_key", cmd.Key),
		attribute.Int64("order_id", cmd.Request.OrderID),
	))
	defer span.End()

	if res := o.replay(ctx, cmd); res != nil {
		span.SetAttributes(attribute.Bool("replayed", true))
		return res, nil
	}

	req, err := o.ledger.Validate(cmd.Request)
	if err != nil {
		return nil, err
	}

	payment := o.ledger.NewPayment(req, models.StatusProcessing)
	var record *models.IdempotencyRecord

	err = o.store.WithTx(ctx, func(tx interfaces.PaymentTx) error {
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}

		now := o.ledger.Now()
		payment.Status = models.StatusCompleted
		payment.AuthorizationCode = authorizationCode()
		payment.GatewayResponse = simulatedGatewayResponse
		payment.CompletedAt = &now
		payment.CapturedAt = &now
		payment.UpdatedAt = now
		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return err
		}

		txn := &models.Transaction{
			PaymentID:       payment.PaymentID,
			TransactionType: models.TransactionPayment,
			Amount:          payment.Amount,
			Status:          models.StatusCompleted,
			Description:     fmt.Sprintf("Payment charged via %s", payment.PaymentMethod),
			CreatedAt:       now,
		}
		if err := tx.AppendTransaction(ctx, txn); err != nil {
			return err
		}
		payment.Transactions = []models.Transaction{*txn}

		body, err := json.Marshal(payment)
		if err != nil {
			return err
		}
		record = o.keys.NewRecord(cmd.Key, cmd.RequestHash, payment.PaymentID, http.StatusCreated, body)
		return o.keys.Record(ctx, tx, record)
	})
	if err != nil {
		span.RecordError(err)
		return o.recover(ctx, span, cmd, err)
	}

	o.metrics.PaymentCreated(payment.PaymentMethod, payment.Status)
	o.metrics.AmountProcessed(payment.Amount)
	o.keys.Cache(ctx, record)
	o.ledger.Announce(payment, models.StatusProcessing)

	o.logger.Info("Payment charged",
		zap.String("payment_id", payment.PaymentID),
		zap.Int64("order_id", payment.OrderID),
		zap.String("idempotency_key", cmd.Key),
	)
	return &Result{
		StatusCode: record.StatusCode,
		Body:       record.ResponseBody,
		PaymentID:  payment.PaymentID,
	}, nil
}

// replay returns the stored response for a fresh key, or nil when the charge must run.
func (o *Orchestrator) replay(ctx context.Context, cmd Command) *Result {
	lookup, err := o.keys.Lookup(ctx, cmd.Key)
	if err != nil {
		o.logger.Warn("Idempotency lookup failed, continuing", zap.String("idempotency_key", cmd.Key), zap.Error(err))
		return nil
	}
	if lookup.State != idempotency.Fresh {
		return nil
	}

	rec := lookup.Record
	if cmd.RequestHash != "" && rec.RequestHash != cmd.RequestHash {
		o.logger.Warn("Idempotency key reused with a different request",
			zap.String("idempotency_key", cmd.Key),
			zap.String("payment_id", rec.PaymentID),
		)
	}
	o.logger.Info("Replaying idempotent response",
		zap.String("idempotency_key", cmd.Key),
		zap.String("payment_id", rec.PaymentID),
	)
	return &Result{
		StatusCode: rec.StatusCode,
		Body:       rec.ResponseBody,
		PaymentID:  rec.PaymentID,
		Replayed:   true,
	}
}

// recover handles a rolled-back unit of work. Losing a race for the key or the order
// replays the winner when the key now has a response; anything else is a failed charge.
func (o *Orchestrator) recover(ctx context.Context, span trace.Span, cmd Command, err error) (*Result, error) {
	if errors.Is(err, apperrors.ErrDuplicateOrder) || errors.Is(err, apperrors.ErrKeyConflict) {
		if res := o.replay(ctx, cmd); res != nil {
			span.SetAttributes(attribute.Bool("replayed", true))
			return res, nil
		}
		span.SetStatus(codes.Error, "conflict")
		return nil, err
	}

	span.SetStatus(codes.Error, "charge failed")
	o.metrics.PaymentFailed()
	o.ledger.ReleaseInventory(cmd.Request.OrderID, "Payment processing failed")
	o.logger.Error("Charge failed",
		zap.String("idempotency_key", cmd.Key),
		zap.Int64("order_id", cmd.Request.OrderID),
		zap.Error(err),
	)
	return nil, apperrors.New(apperrors.KindInternal, "Failed to process payment", err)
}

func authorizationCode() string {
	return "AUTH" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
}
