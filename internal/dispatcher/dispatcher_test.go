package dispatcher

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/metrics"
	"github.com/akylbek/payment-system/payment-service/internal/models"
)

var errUnavailable = errors.New("collaborator unavailable")

// flakyClient fails the first failures calls of every method, then succeeds.
type flakyClient struct {
	mu       sync.Mutex
	failures int
	calls    map[models.NotificationKind]int
	events   []models.PaymentStateChangedEvent
}

func newFlakyClient(failures int) *flakyClient {
	return &flakyClient{failures: failures, calls: make(map[models.NotificationKind]int)}
}

func (c *flakyClient) hit(kind models.NotificationKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[kind]++
	if c.calls[kind] <= c.failures {
		return errUnavailable
	}
	return nil
}

func (c *flakyClient) count(kind models.NotificationKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[kind]
}

func (c *flakyClient) NotifyPaymentStatus(context.Context, int64, models.PaymentStatus, string) error {
	return c.hit(models.KindOrderStatus)
}

func (c *flakyClient) ReleaseReservation(context.Context, int64, string) error {
	return c.hit(models.KindInventoryRelease)
}

func (c *flakyClient) SendUserNotification(context.Context, int64, string, string) error {
	return c.hit(models.KindUserNotification)
}

func (c *flakyClient) PublishStateChanged(_ context.Context, e models.PaymentStateChangedEvent) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	return c.hit(models.KindStateChanged)
}

func testConfig() Config {
	return Config{
		QueueSize:       16,
		Workers:         2,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
		AttemptTimeout:  time.Second,
	}
}

func newTestDispatcher(client *flakyClient, cfg Config) (*Dispatcher, *metrics.Recorder) {
	rec := metrics.NewRecorder()
	clients := Clients{Orders: client, Inventory: client, Notifications: client, Events: client}
	return New(clients, cfg, rec, zap.NewNop()), rec
}

func scrape(rec *metrics.Recorder) string {
	w := httptest.NewRecorder()
	rec.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	return w.Body.String()
}

func allKinds() []models.Notification {
	return []models.Notification{
		{Kind: models.KindOrderStatus, PaymentID: "p1", OrderID: 501, Status: models.StatusCompleted},
		{Kind: models.KindInventoryRelease, OrderID: 501, Reason: "Payment failed"},
		{Kind: models.KindUserNotification, UserID: 7, NoticeType: "PAYMENT_SUCCESS", Message: "ok"},
		{Kind: models.KindStateChanged, PaymentID: "p1", OrderID: 501, Status: models.StatusCompleted},
	}
}

func TestDispatcher_DeliversFirstTry(t *testing.T) {
	client := newFlakyClient(0)
	d, rec := newTestDispatcher(client, testConfig())
	d.Start()

	for _, n := range allKinds() {
		require.True(t, d.Enqueue(n))
	}
	require.NoError(t, d.Shutdown(context.Background()))

	for _, n := range allKinds() {
		assert.Equal(t, 1, client.count(n.Kind), n.Kind)
	}
	assert.Contains(t, scrape(rec), `notifications_total{kind="order_status",outcome="delivered"} 1`)
}

func TestDispatcher_AttemptBudgets(t *testing.T) {
	client := newFlakyClient(100)
	d, rec := newTestDispatcher(client, testConfig())
	d.Start()

	for _, n := range allKinds() {
		require.True(t, d.Enqueue(n))
	}
	require.NoError(t, d.Shutdown(context.Background()))

	assert.Equal(t, 3, client.count(models.KindOrderStatus))
	assert.Equal(t, 2, client.count(models.KindInventoryRelease))
	assert.Equal(t, 1, client.count(models.KindUserNotification))
	assert.Equal(t, 2, client.count(models.KindStateChanged))

	body := scrape(rec)
	assert.Contains(t, body, `notifications_total{kind="inventory_release",outcome="failed"} 1`)
	assert.Contains(t, body, `notifications_total{kind="user_notification",outcome="failed"} 1`)
}

func TestDispatcher_RetriesUntilSuccess(t *testing.T) {
	client := newFlakyClient(2)
	d, rec := newTestDispatcher(client, testConfig())
	d.Start()

	require.True(t, d.Enqueue(allKinds()[0]))
	require.NoError(t, d.Shutdown(context.Background()))

	assert.Equal(t, 3, client.count(models.KindOrderStatus))
	assert.Contains(t, scrape(rec), `notifications_total{kind="order_status",outcome="delivered"} 1`)
}

func TestDispatcher_StateChangedEventPayload(t *testing.T) {
	client := newFlakyClient(0)
	d, _ := newTestDispatcher(client, testConfig())
	d.Start()

	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.True(t, d.Enqueue(models.Notification{
		Kind: models.KindStateChanged, PaymentID: "p1", OrderID: 501,
		Status: models.StatusRefunded, PreviousStatus: models.StatusCompleted, OccurredAt: at,
	}))
	require.NoError(t, d.Shutdown(context.Background()))

	require.Len(t, client.events, 1)
	assert.Equal(t, models.PaymentStateChangedEvent{
		PaymentID: "p1", OrderID: 501, State: "REFUNDED", PreviousState: "COMPLETED", Timestamp: at,
	}, client.events[0])
}

func TestDispatcher_FullQueueDrops(t *testing.T) {
	client := newFlakyClient(0)
	cfg := testConfig()
	cfg.QueueSize = 1
	d, rec := newTestDispatcher(client, cfg)

	assert.True(t, d.Enqueue(allKinds()[0]))
	assert.False(t, d.Enqueue(allKinds()[0]))
	assert.Contains(t, scrape(rec), `notifications_total{kind="order_status",outcome="dropped"} 1`)

	require.NoError(t, d.Shutdown(context.Background()))
	assert.Equal(t, 0, client.count(models.KindOrderStatus))
}

func TestDispatcher_EnqueueAfterShutdown(t *testing.T) {
	d, _ := newTestDispatcher(newFlakyClient(0), testConfig())
	d.Start()
	require.NoError(t, d.Shutdown(context.Background()))

	assert.False(t, d.Enqueue(allKinds()[0]))
	assert.NoError(t, d.Shutdown(context.Background()))
}

func TestDispatcher_ShutdownDeadlineAbandonsRetries(t *testing.T) {
	client := newFlakyClient(100)
	cfg := testConfig()
	cfg.Workers = 1
	cfg.InitialInterval = time.Hour
	cfg.MaxInterval = time.Hour
	d, _ := newTestDispatcher(client, cfg)
	d.Start()

	require.True(t, d.Enqueue(allKinds()[0]))
	require.True(t, d.Enqueue(allKinds()[1]))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := d.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, client.count(models.KindOrderStatus))
	assert.Equal(t, 0, client.count(models.KindInventoryRelease))
}
