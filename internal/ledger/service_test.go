package ledger

import (
	"context"
	"errors"
	"math"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/apperrors"
	"github.com/akylbek/payment-system/payment-service/internal/metrics"
	"github.com/akylbek/payment-system/payment-service/internal/models"
	"github.com/akylbek/payment-system/payment-service/internal/repository"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (d *recordingDispatcher) Enqueue(n models.Notification) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, n)
	return true
}

func (d *recordingDispatcher) taken() []models.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.sent
	d.sent = nil
	return out
}

func kinds(ns []models.Notification) []models.NotificationKind {
	var out []models.NotificationKind
	for _, n := range ns {
		out = append(out, n.Kind)
	}
	return out
}

type fixture struct {
	svc        *Service
	repo       *repository.MemoryRepository
	dispatcher *recordingDispatcher
	recorder   *metrics.Recorder
}

func newFixture() *fixture {
	repo := repository.NewMemoryRepository()
	d := &recordingDispatcher{}
	rec := metrics.NewRecorder()
	return &fixture{
		svc:        NewService(repo, d, rec, zap.NewNop()),
		repo:       repo,
		dispatcher: d,
		recorder:   rec,
	}
}

func (f *fixture) scrape(t *testing.T) string {
	t.Helper()
	w := httptest.NewRecorder()
	f.recorder.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	return w.Body.String()
}

func request(orderID int64, amount string) models.PaymentRequest {
	return models.PaymentRequest{
		OrderID:       orderID,
		UserID:        7,
		Amount:        decimal.RequireFromString(amount),
		PaymentMethod: models.MethodUPI,
	}
}

func TestValidate(t *testing.T) {
	svc := newFixture().svc

	tests := []struct {
		name    string
		mutate  func(r *models.PaymentRequest)
		wantErr bool
	}{
		{"valid", func(r *models.PaymentRequest) {}, false},
		{"zero amount", func(r *models.PaymentRequest) { r.Amount = decimal.Zero }, true},
		{"negative amount", func(r *models.PaymentRequest) { r.Amount = decimal.NewFromInt(-1) }, true},
		{"truncates to zero", func(r *models.PaymentRequest) { r.Amount = decimal.RequireFromString("0.009") }, true},
		{"at maximum", func(r *models.PaymentRequest) { r.Amount = decimal.RequireFromString("100000.00") }, false},
		{"over maximum", func(r *models.PaymentRequest) { r.Amount = decimal.RequireFromString("100000.01") }, true},
		{"unknown method", func(r *models.PaymentRequest) { r.PaymentMethod = "CHEQUE" }, true},
		{"bad currency", func(r *models.PaymentRequest) { r.Currency = "RUPEE" }, true},
		{"missing order", func(r *models.PaymentRequest) { r.OrderID = 0 }, true},
		{"missing user", func(r *models.PaymentRequest) { r.UserID = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request(1, "10.00")
			tt.mutate(&req)
			_, err := svc.Validate(req)
			if tt.wantErr {
				assert.True(t, errors.Is(err, apperrors.ErrValidation), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidate_Normalizes(t *testing.T) {
	svc := newFixture().svc

	req := request(1, "99.999")
	req.Currency = "usd"
	out, err := svc.Validate(req)
	require.NoError(t, err)
	assert.Equal(t, "99.99", out.Amount.StringFixed(2))
	assert.Equal(t, "USD", out.Currency)

	out, err = svc.Validate(request(1, "5"))
	require.NoError(t, err)
	assert.Equal(t, models.DefaultCurrency, out.Currency)
}

func TestCreate(t *testing.T) {
	f := newFixture()

	p, err := f.svc.Create(context.Background(), request(501, "100.00"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusPending, p.Status)
	assert.Regexp(t, `^TXN[0-9A-F]{12}$`, p.TransactionID)
	assert.Regexp(t, `^REF[0-9A-F]{12}$`, p.Reference)
	require.Len(t, p.Transactions, 1)
	assert.Equal(t, models.TransactionPayment, p.Transactions[0].TransactionType)
	assert.Equal(t, "Payment initiated via UPI", p.Transactions[0].Description)

	assert.Equal(t, []models.NotificationKind{models.KindOrderStatus, models.KindStateChanged}, kinds(f.dispatcher.taken()))

	body := f.scrape(t)
	assert.Contains(t, body, "payments_created_total 1")
	assert.Contains(t, body, `payments_by_status{status="PENDING"} 1`)
}

func TestCreate_KeepsClientReference(t *testing.T) {
	f := newFixture()
	req := request(501, "10")
	req.Reference = "INV-2024-01"

	p, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "INV-2024-01", p.Reference)
}

func TestCreate_DuplicateOrder(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.Create(ctx, request(501, "100.00"))
	require.NoError(t, err)
	f.dispatcher.taken()

	_, err = f.svc.Create(ctx, request(501, "50.00"))
	assert.True(t, errors.Is(err, apperrors.ErrDuplicateOrder))
	assert.Empty(t, f.dispatcher.taken())

	page, err := f.svc.List(ctx, models.PaymentFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
}

func TestCreate_ValidationLeavesNoTrace(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Create(context.Background(), request(502, "100000.01"))
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	_, err = f.svc.GetByOrderID(context.Background(), 502)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	assert.Contains(t, f.scrape(t), "payments_created_total 0")
}

func TestTransition(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	p, err := f.svc.Create(ctx, request(501, "100.00"))
	require.NoError(t, err)
	f.dispatcher.taken()

	gw := "approved"
	p, err = f.svc.Transition(ctx, p.PaymentID, models.StatusCompleted, &gw)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, p.Status)
	assert.Equal(t, "approved", p.GatewayResponse)
	require.NotNil(t, p.CompletedAt)
	require.NotNil(t, p.CapturedAt)
	require.Len(t, p.Transactions, 2)
	assert.Equal(t, "Status changed from PENDING to COMPLETED", p.Transactions[1].Description)

	sent := f.dispatcher.taken()
	assert.Equal(t, []models.NotificationKind{
		models.KindOrderStatus, models.KindStateChanged, models.KindUserNotification,
	}, kinds(sent))
	assert.Equal(t, "PAYMENT_SUCCESS", sent[2].NoticeType)
	assert.Equal(t, models.StatusPending, sent[1].PreviousStatus)

	body := f.scrape(t)
	assert.Contains(t, body, "total_amount_processed 100")
	assert.Contains(t, body, `payments_by_status{status="COMPLETED"} 1`)
	assert.Contains(t, body, `payments_by_status{status="PENDING"} 0`)
}

func TestTransition_NilGatewayResponseKeepsValue(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	p, err := f.svc.Create(ctx, request(501, "100.00"))
	require.NoError(t, err)

	gw := "declined"
	_, err = f.svc.Transition(ctx, p.PaymentID, models.StatusFailed, &gw)
	require.NoError(t, err)

	p, err = f.svc.Transition(ctx, p.PaymentID, models.StatusPending, nil)
	require.NoError(t, err)
	assert.Equal(t, "declined", p.GatewayResponse)
}

func TestTransition_FailedReleasesInventory(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	p, err := f.svc.Create(ctx, request(501, "100.00"))
	require.NoError(t, err)
	f.dispatcher.taken()

	_, err = f.svc.Transition(ctx, p.PaymentID, models.StatusFailed, nil)
	require.NoError(t, err)

	sent := f.dispatcher.taken()
	require.Len(t, sent, 3)
	assert.Equal(t, models.KindInventoryRelease, sent[2].Kind)
	assert.Equal(t, int64(501), sent[2].OrderID)
	assert.Equal(t, "Payment failed", sent[2].Reason)
}

func TestTransition_Rejected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	p, err := f.svc.Create(ctx, request(501, "100.00"))
	require.NoError(t, err)

	_, err = f.svc.Transition(ctx, p.PaymentID, models.StatusPending, nil)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidTransition), "self transition")

	_, err = f.svc.Transition(ctx, p.PaymentID, models.StatusRefunded, nil)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidTransition), "refund from pending")
	assert.Equal(t, "Cannot change status from PENDING to REFUNDED (use refund endpoint)", apperrors.PublicMessage(err))

	_, err = f.svc.Transition(ctx, p.PaymentID, "SETTLED", nil)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	_, err = f.svc.Transition(ctx, "missing", models.StatusCompleted, nil)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	_, err = f.svc.Transition(ctx, p.PaymentID, models.StatusCompleted, nil)
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, p.PaymentID, models.StatusFailed, nil)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidTransition))

	got, err := f.svc.Get(ctx, p.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Len(t, got.Transactions, 2)
}

func TestTransition_CompletionStampedOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	p, err := f.svc.Create(ctx, request(501, "10.00"))
	require.NoError(t, err)

	p, err = f.svc.Transition(ctx, p.PaymentID, models.StatusCompleted, nil)
	require.NoError(t, err)
	first := *p.CompletedAt

	p, err = f.svc.Refund(ctx, p.PaymentID, nil, "customer request")
	require.NoError(t, err)
	require.NotNil(t, p.CompletedAt)
	assert.True(t, first.Equal(*p.CompletedAt))
	assert.Contains(t, f.scrape(t), "total_amount_processed 10")
}

func TestRefund(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	p, err := f.svc.Create(ctx, request(501, "100.00"))
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, p.PaymentID, models.StatusCompleted, nil)
	require.NoError(t, err)
	f.dispatcher.taken()

	amount := decimal.RequireFromString("40.00")
	p, err = f.svc.Refund(ctx, p.PaymentID, &amount, "too long description")
	require.NoError(t, err)

	assert.Equal(t, models.StatusRefunded, p.Status)
	assert.Equal(t, "Refund: too long description", p.GatewayResponse)
	last := p.Transactions[len(p.Transactions)-1]
	assert.Equal(t, models.TransactionRefund, last.TransactionType)
	assert.True(t, last.Amount.Equal(amount))
	assert.Equal(t, "Refund of 40.00 INR: too long description", last.Description)

	sent := f.dispatcher.taken()
	require.Len(t, sent, 3)
	assert.Equal(t, "PAYMENT_REFUNDED", sent[2].NoticeType)
	assert.Contains(t, sent[2].Message, "40.00 INR")

	assert.Contains(t, f.scrape(t), "total_refunds 40")

	_, err = f.svc.Refund(ctx, p.PaymentID, nil, "second attempt")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidState))
}

func TestRefund_Errors(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	p, err := f.svc.Create(ctx, request(501, "100.00"))
	require.NoError(t, err)

	_, err = f.svc.Refund(ctx, p.PaymentID, nil, "bad")
	assert.True(t, errors.Is(err, apperrors.ErrValidation), "short reason")

	_, err = f.svc.Refund(ctx, "missing", nil, "customer request")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	_, err = f.svc.Refund(ctx, p.PaymentID, nil, "customer request")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidState), "pending payment")

	_, err = f.svc.Transition(ctx, p.PaymentID, models.StatusCompleted, nil)
	require.NoError(t, err)

	over := decimal.RequireFromString("100.01")
	_, err = f.svc.Refund(ctx, p.PaymentID, &over, "customer request")
	assert.True(t, errors.Is(err, apperrors.ErrAmountExceeded))

	zero := decimal.Zero
	_, err = f.svc.Refund(ctx, p.PaymentID, &zero, "customer request")
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	got, err := f.svc.Get(ctx, p.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestCancel(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	p, err := f.svc.Create(ctx, request(501, "100.00"))
	require.NoError(t, err)
	f.dispatcher.taken()

	p, err = f.svc.Cancel(ctx, p.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, p.Status)
	assert.Equal(t, "Payment cancelled by user", p.Transactions[len(p.Transactions)-1].Description)

	sent := f.dispatcher.taken()
	require.Len(t, sent, 3)
	assert.Equal(t, models.KindInventoryRelease, sent[2].Kind)

	_, err = f.svc.Cancel(ctx, p.PaymentID)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidState))
}

func TestCancel_CompletedRejected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	p, err := f.svc.Create(ctx, request(501, "100.00"))
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, p.PaymentID, models.StatusCompleted, nil)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, p.PaymentID)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidState))

	_, err = f.svc.Cancel(ctx, "missing")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestLookups(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	p, err := f.svc.Create(ctx, request(501, "100.00"))
	require.NoError(t, err)

	byOrder, err := f.svc.GetByOrderID(ctx, 501)
	require.NoError(t, err)
	assert.Equal(t, p.PaymentID, byOrder.PaymentID)

	byTxn, err := f.svc.GetByTransactionID(ctx, p.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, p.PaymentID, byTxn.PaymentID)

	_, err = f.svc.GetByTransactionID(ctx, "TXN000000000000")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestList(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		_, err := f.svc.Create(ctx, request(600+i, "10.00"))
		require.NoError(t, err)
	}

	page, err := f.svc.List(ctx, models.PaymentFilter{PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	assert.Equal(t, 1, page.Page)
	require.Len(t, page.Payments, 2)
	assert.Equal(t, int64(603), page.Payments[0].OrderID)

	page, err = f.svc.List(ctx, models.PaymentFilter{Page: 5})
	require.NoError(t, err)
	assert.NotNil(t, page.Payments)
	assert.Empty(t, page.Payments)

	for _, bad := range []models.PaymentFilter{
		{Page: -1},
		{PageSize: 101},
		{PageSize: -3},
		{Status: "SETTLED"},
		{PaymentMethod: "CHEQUE"},
		{Page: math.MaxInt / 50, PageSize: 100},
		{Page: math.MaxInt, PageSize: 2},
	} {
		_, err := f.svc.List(ctx, bad)
		assert.True(t, errors.Is(err, apperrors.ErrValidation), "%+v", bad)
	}
}
