package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/akylbek/payment-system/payment-service/internal/interfaces"
	"github.com/akylbek/payment-system/payment-service/internal/metrics"
	"github.com/akylbek/payment-system/payment-service/internal/models"
)

const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeDropped   = "dropped"
)

// Attempts is the total number of tries each notification kind gets before it is dropped,
// counting the first delivery. An order status update is sent once and retried up to twice.
var Attempts = map[models.NotificationKind]int{
	models.KindOrderStatus:      3,
	models.KindInventoryRelease: 2,
	models.KindUserNotification: 1,
	models.KindStateChanged:     2,
}

type Clients struct {
	Orders        interfaces.OrderService
	Inventory     interfaces.InventoryService
	Notifications interfaces.NotificationService
	Events        interfaces.EventPublisher
}

type Config struct {
	QueueSize int
	Workers   int
	// RatePerSecond caps outbound collaborator calls across all workers. Zero means unlimited.
	RatePerSecond   float64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	AttemptTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueSize:       256,
		Workers:         4,
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
		AttemptTimeout:  5 * time.Second,
	}
}

// Dispatcher delivers notifications to collaborators from a bounded queue. Delivery
// failures are retried per kind, then logged and dropped; they never reach the caller.
type Dispatcher struct {
	clients Clients
	cfg     Config
	jobs    chan models.Notification
	limiter *rate.Limiter
	metrics *metrics.Recorder
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
}

var _ interfaces.Dispatcher = (*Dispatcher)(nil)

func New(clients Clients, cfg Config, recorder *metrics.Recorder, logger *zap.Logger) *Dispatcher {
	defaults := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = defaults.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = defaults.MaxInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = defaults.Multiplier
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaults.AttemptTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		clients: clients,
		cfg:     cfg,
		jobs:    make(chan models.Notification, cfg.QueueSize),
		limiter: limiter,
		metrics: recorder,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the worker pool. It is a no-op after the first call.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.logger.Info("Notification dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Int("queue_size", d.cfg.QueueSize),
	)
}

// Enqueue hands n to the worker pool without blocking. It reports false when the
// queue is full or the dispatcher is shut down.
func (d *Dispatcher) Enqueue(n models.Notification) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(n, "dispatcher stopped")
		return false
	}

	select {
	case d.jobs <- n:
		d.metrics.SetQueueDepth(len(d.jobs))
		return true
	default:
		d.drop(n, "queue full")
		return false
	}
}

// Shutdown stops intake and waits for the workers to drain the queue. When ctx ends
// first, in-flight retries are abandoned and the remaining jobs are dropped.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.jobs)
	started := d.started
	d.mu.Unlock()

	if !started {
		d.cancel()
		for n := range d.jobs {
			d.drop(n, "dispatcher stopped")
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for n := range d.jobs {
		d.metrics.SetQueueDepth(len(d.jobs))
		if d.ctx.Err() != nil {
			d.drop(n, "dispatcher stopped")
			continue
		}
		d.deliver(n, id)
	}
}

func (d *Dispatcher) deliver(n models.Notification, worker int) {
	attempts := Attempts[n.Kind]
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialInterval
	b.MaxInterval = d.cfg.MaxInterval
	b.Multiplier = d.cfg.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), d.ctx)

	tries := 0
	err := backoff.Retry(func() error {
		tries++
		if err := d.limiter.Wait(d.ctx); err != nil {
			return backoff.Permanent(err)
		}
		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.AttemptTimeout)
		defer cancel()
		return d.send(ctx, n)
	}, policy)

	if err != nil {
		d.metrics.Notification(n.Kind, OutcomeFailed)
		d.logger.Warn("Notification delivery failed",
			zap.String("kind", string(n.Kind)),
			zap.String("payment_id", n.PaymentID),
			zap.Int64("order_id", n.OrderID),
			zap.Int("attempts", tries),
			zap.Int("worker", worker),
			zap.Error(err),
		)
		return
	}

	d.metrics.Notification(n.Kind, OutcomeDelivered)
	d.logger.Debug("Notification delivered",
		zap.String("kind", string(n.Kind)),
		zap.String("payment_id", n.PaymentID),
		zap.Int("attempts", tries),
	)
}

func (d *Dispatcher) send(ctx context.Context, n models.Notification) error {
	switch n.Kind {
	case models.KindOrderStatus:
		return d.clients.Orders.NotifyPaymentStatus(ctx, n.OrderID, n.Status, n.PaymentID)
	case models.KindInventoryRelease:
		return d.clients.Inventory.ReleaseReservation(ctx, n.OrderID, n.Reason)
	case models.KindUserNotification:
		return d.clients.Notifications.SendUserNotification(ctx, n.UserID, n.NoticeType, n.Message)
	case models.KindStateChanged:
		return d.clients.Events.PublishStateChanged(ctx, models.PaymentStateChangedEvent{
			PaymentID:     n.PaymentID,
			OrderID:       n.OrderID,
			State:         string(n.Status),
			PreviousState: string(n.PreviousStatus),
			Timestamp:     n.OccurredAt,
		})
	default:
		return backoff.Permanent(fmt.Errorf("unknown notification kind %q", n.Kind))
	}
}

func (d *Dispatcher) drop(n models.Notification, reason string) {
	d.metrics.Notification(n.Kind, OutcomeDropped)
	d.logger.Warn("Notification dropped",
		zap.String("kind", string(n.Kind)),
		zap.String("payment_id", n.PaymentID),
		zap.Int64("order_id", n.OrderID),
		zap.String("reason", reason),
	)
}
