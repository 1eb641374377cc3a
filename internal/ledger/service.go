package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/apperrors"
	"github.com/akylbek/payment-system/payment-service/internal/interfaces"
	"github.com/akylbek/payment-system/payment-service/internal/metrics"
	"github.com/akylbek/payment-system/payment-service/internal/models"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
	minReasonLength = 5
)

var DefaultMaxAmount = decimal.RequireFromString("100000.00")

// Service owns every payment mutation. Persistence happens inside one unit of work;
// metrics and notifications follow only after it commits.
type Service struct {
	store      interfaces.PaymentStore
	dispatcher interfaces.Dispatcher
	metrics    *metrics.Recorder
	logger     *zap.Logger
	tracer     trace.Tracer
	maxAmount  decimal.Decimal
	now        func() time.Time
}

type Option func(*Service)

func WithMaxAmount(max decimal.Decimal) Option {
	return func(s *Service) { s.maxAmount = max }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store interfaces.PaymentStore, dispatcher interfaces.Dispatcher, recorder *metrics.Recorder, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:      store,
		dispatcher: dispatcher,
		metrics:    recorder,
		logger:     logger,
		tracer:     otel.Tracer("payment-service/ledger"),
		maxAmount:  DefaultMaxAmount,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Now() time.Time {
	return s.now()
}

// Validate checks a payment request and returns it normalized: amount truncated to
// two places, currency upper-cased and defaulted.
func (s *Service) Validate(req models.PaymentRequest) (models.PaymentRequest, error) {
	if req.OrderID <= 0 {
		return req, apperrors.New(apperrors.KindValidation, "order_id must be greater than 0", nil)
	}
	if req.UserID <= 0 {
		return req, apperrors.New(apperrors.KindValidation, "user_id must be greater than 0", nil)
	}

	req.Amount = req.Amount.Truncate(2)
	if !req.Amount.IsPositive() {
		return req, apperrors.New(apperrors.KindValidation, "Amount must be greater than 0", nil)
	}
	if req.Amount.GreaterThan(s.maxAmount) {
		return req, apperrors.Newf(apperrors.KindValidation, "Amount exceeds maximum allowed (%s)", s.maxAmount.StringFixed(2))
	}

	if !req.PaymentMethod.Valid() {
		return req, apperrors.Newf(apperrors.KindValidation, "Invalid payment method: %s", req.PaymentMethod)
	}

	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		req.Currency = models.DefaultCurrency
	}
	if len(req.Currency) != 3 {
		return req, apperrors.Newf(apperrors.KindValidation, "Invalid currency: %s", req.Currency)
	}

	req.Reference = strings.TrimSpace(req.Reference)
	if len(req.Reference) > 100 {
		return req, apperrors.New(apperrors.KindValidation, "Reference must be at most 100 characters", nil)
	}
	return req, nil
}

// NewPayment builds an unsaved payment for a validated request.
func (s *Service) NewPayment(req models.PaymentRequest, status models.PaymentStatus) *models.Payment {
	now := s.now()
	reference := req.Reference
	if reference == "" {
		reference = generateCode("REF")
	}
	return &models.Payment{
		PaymentID:     uuid.NewString(),
		OrderID:       req.OrderID,
		UserID:        req.UserID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		PaymentMethod: req.PaymentMethod,
		Status:        status,
		TransactionID: generateCode("TXN"),
		Reference:     reference,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Create records a PENDING payment without idempotency protection.
func (s *Service) Create(ctx context.Context, req models.PaymentRequest) (*models.Payment, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Create", trace.WithAttributes(attribute.Int64("order_id", req.OrderID)))
	defer span.End()

	req, err := s.Validate(req)
	if err != nil {
		return nil, err
	}

	payment := s.NewPayment(req, models.StatusPending)
	err = s.store.WithTx(ctx, func(tx interfaces.PaymentTx) error {
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, &models.Transaction{
			PaymentID:       payment.PaymentID,
			TransactionType: models.TransactionPayment,
			Amount:          payment.Amount,
			Status:          models.StatusPending,
			Description:     fmt.Sprintf("Payment initiated via %s", payment.PaymentMethod),
			CreatedAt:       payment.CreatedAt,
		})
	})
	if err != nil {
		return nil, s.fail(span, "create payment", err)
	}

	s.metrics.PaymentCreated(payment.PaymentMethod, payment.Status)
	s.Announce(payment, "")

	s.logger.Info("Payment created",
		zap.String("payment_id", payment.PaymentID),
		zap.Int64("order_id", payment.OrderID),
	)
	return s.reload(ctx, payment), nil
}

// Transition moves a payment to status and applies the effects of entering it.
// A nil gatewayResponse leaves the stored value untouched.
func (s *Service) Transition(ctx context.Context, id string, status models.PaymentStatus, gatewayResponse *string) (*models.Payment, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Transition", trace.WithAttributes(
		attribute.String("payment_id", id), attribute.String("to_status", string(status))))
	defer span.End()

	if !status.Valid() {
		return nil, apperrors.Newf(apperrors.KindValidation, "Invalid status: %s", status)
	}

	var payment *models.Payment
	var previous models.PaymentStatus
	var completedNow bool

	err := s.store.WithTx(ctx, func(tx interfaces.PaymentTx) error {
		p, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return notFound(err, id)
		}
		if err := checkTransition(p.Status, status); err != nil {
			return err
		}

		now := s.now()
		previous = p.Status
		p.Status = status
		p.UpdatedAt = now
		if gatewayResponse != nil && *gatewayResponse != "" {
			p.GatewayResponse = *gatewayResponse
		}
		if models.EffectsOf(status).StampCompletion && p.CompletedAt == nil {
			p.CompletedAt = &now
			if p.CapturedAt == nil {
				p.CapturedAt = &now
			}
			completedNow = true
		}

		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		payment = p
		return tx.AppendTransaction(ctx, &models.Transaction{
			PaymentID:       p.PaymentID,
			TransactionType: models.TransactionPayment,
			Amount:          p.Amount,
			Status:          status,
			Description:     fmt.Sprintf("Status changed from %s to %s", previous, status),
			CreatedAt:       now,
		})
	})
	if err != nil {
		return nil, s.fail(span, "update payment status", err)
	}

	s.metrics.StatusChanged(previous, status)
	if completedNow {
		s.metrics.AmountProcessed(payment.Amount)
	}
	s.Announce(payment, previous)

	s.logger.Info("Payment status updated",
		zap.String("payment_id", id),
		zap.String("from_status", string(previous)),
		zap.String("to_status", string(status)),
	)
	return s.reload(ctx, payment), nil
}

// Refund moves a COMPLETED payment to REFUNDED. A nil amount refunds in full.
func (s *Service) Refund(ctx context.Context, id string, amount *decimal.Decimal, reason string) (*models.Payment, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Refund", trace.WithAttributes(attribute.String("payment_id", id)))
	defer span.End()

	reason = strings.TrimSpace(reason)
	if len(reason) < minReasonLength {
		return nil, apperrors.Newf(apperrors.KindValidation, "Refund reason must be at least %d characters", minReasonLength)
	}
	if amount != nil {
		truncated := amount.Truncate(2)
		if !truncated.IsPositive() {
			return nil, apperrors.New(apperrors.KindValidation, "Refund amount must be greater than 0", nil)
		}
		amount = &truncated
	}

	var payment *models.Payment
	var refunded decimal.Decimal

	err := s.store.WithTx(ctx, func(tx interfaces.PaymentTx) error {
		p, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return notFound(err, id)
		}
		if !models.CanTransition(p.Status, models.StatusRefunded) {
			return apperrors.Newf(apperrors.KindInvalidState, "Cannot refund payment with status: %s", p.Status)
		}

		refunded = p.Amount
		if amount != nil {
			refunded = *amount
		}
		if refunded.GreaterThan(p.Amount) {
			return apperrors.ErrAmountExceeded
		}

		now := s.now()
		p.Status = models.StatusRefunded
		p.UpdatedAt = now
		p.GatewayResponse = fmt.Sprintf("Refund: %s", reason)
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		payment = p
		return tx.AppendTransaction(ctx, &models.Transaction{
			PaymentID:       p.PaymentID,
			TransactionType: models.TransactionRefund,
			Amount:          refunded,
			Status:          models.StatusRefunded,
			Description:     fmt.Sprintf("Refund of %s %s: %s", refunded.StringFixed(2), p.Currency, reason),
			CreatedAt:       now,
		})
	})
	if err != nil {
		return nil, s.fail(span, "refund payment", err)
	}

	s.metrics.StatusChanged(models.StatusCompleted, models.StatusRefunded)
	s.metrics.Refunded(refunded)
	s.announce(payment, models.StatusCompleted, refunded)

	s.logger.Info("Payment refunded",
		zap.String("payment_id", id),
		zap.String("amount", refunded.StringFixed(2)),
		zap.String("currency", payment.Currency),
	)
	return s.reload(ctx, payment), nil
}

func (s *Service) Cancel(ctx context.Context, id string) (*models.Payment, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Cancel", trace.WithAttributes(attribute.String("payment_id", id)))
	defer span.End()

	var payment *models.Payment
	var previous models.PaymentStatus

	err := s.store.WithTx(ctx, func(tx interfaces.PaymentTx) error {
		p, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return notFound(err, id)
		}
		if !models.CanTransition(p.Status, models.StatusCancelled) {
			return apperrors.Newf(apperrors.KindInvalidState, "Cannot cancel payment with status: %s", p.Status)
		}

		now := s.now()
		previous = p.Status
		p.Status = models.StatusCancelled
		p.UpdatedAt = now
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		payment = p
		return tx.AppendTransaction(ctx, &models.Transaction{
			PaymentID:       p.PaymentID,
			TransactionType: models.TransactionPayment,
			Amount:          p.Amount,
			Status:          models.StatusCancelled,
			Description:     "Payment cancelled by user",
			CreatedAt:       now,
		})
	})
	if err != nil {
		return nil, s.fail(span, "cancel payment", err)
	}

	s.metrics.StatusChanged(previous, models.StatusCancelled)
	s.Announce(payment, previous)

	s.logger.Info("Payment cancelled", zap.String("payment_id", id))
	return s.reload(ctx, payment), nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Payment, error) {
	p, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, notFound(err, id)
	}
	return p, nil
}

func (s *Service) GetByOrderID(ctx context.Context, orderID int64) (*models.Payment, error) {
	p, err := s.store.GetByOrderID(ctx, orderID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.Newf(apperrors.KindNotFound, "Payment for order %d not found", orderID)
	}
	return p, err
}

func (s *Service) GetByTransactionID(ctx context.Context, transactionID string) (*models.Payment, error) {
	p, err := s.store.GetByTransactionID(ctx, transactionID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.Newf(apperrors.KindNotFound, "Payment with transaction %s not found", transactionID)
	}
	return p, err
}

// List returns payments newest first. Zero page or page size take their defaults.
func (s *Service) List(ctx context.Context, filter models.PaymentFilter) (*models.PaymentPage, error) {
	if filter.Page == 0 {
		filter.Page = 1
	}
	if filter.PageSize == 0 {
		filter.PageSize = DefaultPageSize
	}
	if filter.Page < 1 {
		return nil, apperrors.New(apperrors.KindValidation, "page must be at least 1", nil)
	}
	if filter.PageSize < 1 || filter.PageSize > MaxPageSize {
		return nil, apperrors.Newf(apperrors.KindValidation, "page_size must be between 1 and %d", MaxPageSize)
	}
	if filter.Page-1 > math.MaxInt/filter.PageSize {
		return nil, apperrors.New(apperrors.KindValidation, "page is out of range", nil)
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperrors.Newf(apperrors.KindValidation, "Invalid status: %s", filter.Status)
	}
	if filter.PaymentMethod != "" && !filter.PaymentMethod.Valid() {
		return nil, apperrors.Newf(apperrors.KindValidation, "Invalid payment method: %s", filter.PaymentMethod)
	}

	payments, total, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	if payments == nil {
		payments = []models.Payment{}
	}
	return &models.PaymentPage{
		Total:    total,
		Page:     filter.Page,
		PageSize: filter.PageSize,
		Payments: payments,
	}, nil
}

// Announce schedules the collaborator notifications for a committed status change.
// An empty previous status marks a newly created payment.
func (s *Service) Announce(p *models.Payment, previous models.PaymentStatus) {
	s.announce(p, previous, p.Amount)
}

func (s *Service) announce(p *models.Payment, previous models.PaymentStatus, amount decimal.Decimal) {
	now := s.now()
	base := models.Notification{
		PaymentID:      p.PaymentID,
		OrderID:        p.OrderID,
		UserID:         p.UserID,
		Status:         p.Status,
		PreviousStatus: previous,
		OccurredAt:     now,
	}

	order := base
	order.Kind = models.KindOrderStatus
	s.dispatcher.Enqueue(order)

	event := base
	event.Kind = models.KindStateChanged
	s.dispatcher.Enqueue(event)

	effects := models.EffectsOf(p.Status)
	if effects.ReleaseInventory {
		s.ReleaseInventory(p.OrderID, fmt.Sprintf("Payment %s", strings.ToLower(string(p.Status))))
	}
	if effects.NotifyUser {
		user := base
		user.Kind = models.KindUserNotification
		user.NoticeType = effects.UserNoticeType
		user.Message = userMessage(p, amount)
		s.dispatcher.Enqueue(user)
	}
}

func (s *Service) ReleaseInventory(orderID int64, reason string) {
	s.dispatcher.Enqueue(models.Notification{
		Kind:       models.KindInventoryRelease,
		OrderID:    orderID,
		Reason:     reason,
		OccurredAt: s.now(),
	})
}

func userMessage(p *models.Payment, amount decimal.Decimal) string {
	switch p.Status {
	case models.StatusRefunded:
		return fmt.Sprintf("Refund of %s %s for order %d has been processed", amount.StringFixed(2), p.Currency, p.OrderID)
	default:
		return fmt.Sprintf("Payment of %s %s for order %d was successful", amount.StringFixed(2), p.Currency, p.OrderID)
	}
}

func checkTransition(from, to models.PaymentStatus) error {
	if models.CanTransition(from, to) {
		return nil
	}
	switch from {
	case models.StatusCompleted:
		return apperrors.New(apperrors.KindInvalidTransition, "Cannot change status of completed payment (use refund endpoint)", nil)
	case models.StatusRefunded:
		return apperrors.New(apperrors.KindInvalidTransition, "Cannot change status of refunded payment", nil)
	}
	switch to {
	case models.StatusRefunded:
		return apperrors.Newf(apperrors.KindInvalidTransition, "Cannot change status from %s to %s (use refund endpoint)", from, to)
	default:
		return apperrors.Newf(apperrors.KindInvalidTransition, "Cannot change status from %s to %s", from, to)
	}
}

// reload returns the committed payment with its transaction history.
func (s *Service) reload(ctx context.Context, p *models.Payment) *models.Payment {
	full, err := s.store.GetByID(ctx, p.PaymentID)
	if err != nil {
		s.logger.Warn("Failed to reload payment after commit", zap.String("payment_id", p.PaymentID), zap.Error(err))
		return p
	}
	return full
}

func (s *Service) fail(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, op)

	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Kind != apperrors.KindInternal {
		return err
	}
	s.logger.Error("Failed to "+op, zap.Error(err))
	return apperrors.New(apperrors.KindInternal, "Failed to "+op, err)
}

func notFound(err error, id string) error {
	if errors.Is(err, apperrors.ErrNotFound) {
		return apperrors.Newf(apperrors.KindNotFound, "Payment %s not found", id)
	}
	return err
}

func generateCode(prefix string) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + strings.ToUpper(hex[:12])
}
