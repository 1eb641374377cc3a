package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/akylbek/payment-system/payment-service/internal/charge"
	"github.com/akylbek/payment-system/payment-service/internal/handlers"
	"github.com/akylbek/payment-system/payment-service/internal/idempotency"
	"github.com/akylbek/payment-system/payment-service/internal/ledger"
	"github.com/akylbek/payment-system/payment-service/internal/metrics"
	"github.com/akylbek/payment-system/payment-service/internal/middleware"
	"github.com/akylbek/payment-system/payment-service/internal/telemetry"
)

const ServiceName = "payment-service"

type Dependencies struct {
	Ledger  *ledger.Service
	Charges *charge.Orchestrator
	Keys    *idempotency.Store
	Metrics *metrics.Recorder
}

func NewRouter(deps Dependencies) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())
	r.Use(middleware.RequestLogger())

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"service":   ServiceName,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	paymentHandler := handlers.NewPaymentHandler(deps.Ledger, deps.Charges)
	registerPaymentRoutes(r.Group("/payments"), paymentHandler, deps.Keys)
	registerPaymentRoutes(r.Group("/v1/payments"), paymentHandler, deps.Keys)

	return r
}

func registerPaymentRoutes(payments *gin.RouterGroup, h *handlers.PaymentHandler, keys *idempotency.Store) {
	payments.POST("/charge", middleware.IdempotencyMiddleware(keys), h.Charge)
	payments.POST("", h.CreatePayment)
	payments.GET("", h.ListPayments)
	payments.GET("/:id", h.GetPayment)
	payments.GET("/order/:order_id", h.GetPaymentByOrder)
	payments.GET("/transaction/:transaction_id", h.GetPaymentByTransaction)
	payments.PATCH("/:id/status", h.UpdateStatus)
	payments.POST("/:id/refund", h.RefundPayment)
	payments.DELETE("/:id", h.CancelPayment)
}
