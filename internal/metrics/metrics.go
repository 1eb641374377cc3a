package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/payment-service/internal/models"
)

// Recorder is the payment counter aggregate. Callers update it only after the
// corresponding ledger mutation has committed.
type Recorder struct {
	registry *prometheus.Registry

	created       prometheus.Counter
	failed        prometheus.Counter
	byStatus      *prometheus.GaugeVec
	byMethod      *prometheus.CounterVec
	amountTotal   prometheus.Counter
	refundTotal   prometheus.Counter
	notifications *prometheus.CounterVec
	queueDepth    prometheus.Gauge
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payments_created_total",
			Help: "Payments created through any path.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payments_failed_total",
			Help: "Charge attempts that failed after validation.",
		}),
		byStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "payments_by_status",
			Help: "Payments currently in each status.",
		}, []string{"status"}),
		byMethod: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_by_method",
			Help: "Payments created per payment method.",
		}, []string{"method"}),
		amountTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "total_amount_processed",
			Help: "Sum of amounts of payments that reached COMPLETED.",
		}),
		refundTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "total_refunds",
			Help: "Sum of refunded amounts.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Collaborator deliveries by kind and outcome.",
		}, []string{"kind", "outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notification_queue_depth",
			Help: "Notifications waiting for a dispatcher worker.",
		}),
	}

	r.registry.MustRegister(
		r.created, r.failed, r.byStatus, r.byMethod, r.amountTotal, r.refundTotal,
		r.notifications, r.queueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	for _, s := range models.PaymentStatuses {
		r.byStatus.WithLabelValues(string(s))
	}
	for _, m := range models.PaymentMethods {
		r.byMethod.WithLabelValues(string(m))
	}
	return r
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// PaymentCreated records a new payment that entered status.
func (r *Recorder) PaymentCreated(method models.PaymentMethod, status models.PaymentStatus) {
	r.created.Inc()
	r.byMethod.WithLabelValues(string(method)).Inc()
	r.byStatus.WithLabelValues(string(status)).Inc()
}

func (r *Recorder) StatusChanged(from, to models.PaymentStatus) {
	r.byStatus.WithLabelValues(string(from)).Dec()
	r.byStatus.WithLabelValues(string(to)).Inc()
}

func (r *Recorder) AmountProcessed(amount decimal.Decimal) {
	r.amountTotal.Add(amount.InexactFloat64())
}

func (r *Recorder) Refunded(amount decimal.Decimal) {
	r.refundTotal.Add(amount.InexactFloat64())
}

func (r *Recorder) PaymentFailed() {
	r.failed.Inc()
}

func (r *Recorder) Notification(kind models.NotificationKind, outcome string) {
	r.notifications.WithLabelValues(string(kind), outcome).Inc()
}

func (r *Recorder) SetQueueDepth(n int) {
	r.queueDepth.Set(float64(n))
}
