package clients

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/interfaces"
	"github.com/akylbek/payment-system/payment-service/internal/models"
)

// OrderClient reports payment status changes to the order service.
type OrderClient struct {
	jsonClient
}

var _ interfaces.OrderService = (*OrderClient)(nil)

type paymentStatusRequest struct {
	Status    models.PaymentStatus `json:"status"`
	PaymentID string               `json:"payment_id"`
}

func NewOrderClient(baseURL string, logger *zap.Logger) *OrderClient {
	return &OrderClient{jsonClient: newJSONClient("order service", baseURL, logger)}
}

func (c *OrderClient) NotifyPaymentStatus(ctx context.Context, orderID int64, status models.PaymentStatus, paymentID string) error {
	return c.send(ctx, http.MethodPut, fmt.Sprintf("/orders/%d/payment-status", orderID), paymentStatusRequest{
		Status:    status,
		PaymentID: paymentID,
	})
}
