package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/apperrors"
	"github.com/akylbek/payment-system/payment-service/internal/charge"
	"github.com/akylbek/payment-system/payment-service/internal/ledger"
	"github.com/akylbek/payment-system/payment-service/internal/middleware"
	"github.com/akylbek/payment-system/payment-service/internal/models"
	"github.com/akylbek/payment-system/payment-service/internal/telemetry"
)

type PaymentHandler struct {
	ledger  *ledger.Service
	charges *charge.Orchestrator
}

func NewPaymentHandler(ledgerSvc *ledger.Service, charges *charge.Orchestrator) *PaymentHandler {
	return &PaymentHandler{
		ledger:  ledgerSvc,
		charges: charges,
	}
}

// Charge runs behind IdempotencyMiddleware, which supplies the key and request hash.
func (h *PaymentHandler) Charge(c *gin.Context) {
	ctx := c.Request.Context()
	span := trace.SpanFromContext(ctx)

	var req models.PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		telemetry.Logger.Warn("Invalid charge request", zap.Error(err))
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	key := c.GetString(middleware.ContextKeyIdempotency)
	telemetry.Logger.Info("Charging payment",
		zap.Int64("order_id", req.OrderID),
		zap.String("idempotency_key", key),
		zap.String("trace_id", span.SpanContext().TraceID().String()),
	)

	res, err := h.charges.Charge(ctx, charge.Command{
		Key:         key,
		RequestHash: c.GetString(middleware.ContextKeyRequestHash),
		Request:     req,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	if res.Replayed {
		c.Header("Idempotent-Replayed", "true")
	}
	c.Data(res.StatusCode, "application/json; charset=utf-8", res.Body)
}

func (h *PaymentHandler) CreatePayment(c *gin.Context) {
	var req models.PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		telemetry.Logger.Warn("Invalid payment request", zap.Error(err))
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	payment, err := h.ledger.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, payment)
}

func (h *PaymentHandler) GetPayment(c *gin.Context) {
	payment, err := h.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *PaymentHandler) GetPaymentByOrder(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("order_id"), 10, 64)
	if err != nil || orderID <= 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "order_id must be a positive integer"})
		return
	}

	payment, err := h.ledger.GetByOrderID(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *PaymentHandler) GetPaymentByTransaction(c *gin.Context) {
	payment, err := h.ledger.GetByTransactionID(c.Request.Context(), c.Param("transaction_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *PaymentHandler) ListPayments(c *gin.Context) {
	filter := models.PaymentFilter{
		Status:        models.PaymentStatus(c.Query("status")),
		PaymentMethod: models.PaymentMethod(c.Query("payment_method")),
	}

	for name, dst := range map[string]*int{"page": &filter.Page, "page_size": &filter.PageSize} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": name + " must be a positive integer"})
			return
		}
		*dst = n
	}
	if raw := c.Query("user_id"); raw != "" {
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "user_id must be a positive integer"})
			return
		}
		filter.UserID = userID
	}

	page, err := h.ledger.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *PaymentHandler) UpdateStatus(c *gin.Context) {
	var req models.StatusUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	payment, err := h.ledger.Transition(c.Request.Context(), c.Param("id"), req.Status, req.GatewayResponse)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *PaymentHandler) RefundPayment(c *gin.Context) {
	var req models.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	payment, err := h.ledger.Refund(c.Request.Context(), c.Param("id"), req.Amount, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *PaymentHandler) CancelPayment(c *gin.Context) {
	payment, err := h.ledger.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func respondError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		telemetry.Logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": apperrors.PublicMessage(err)})
}
