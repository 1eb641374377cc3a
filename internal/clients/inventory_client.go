package clients

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/interfaces"
)

// InventoryClient releases stock reserved for orders whose payment did not go through.
type InventoryClient struct {
	jsonClient
}

var _ interfaces.InventoryService = (*InventoryClient)(nil)

// releaseRequest is the payload sent to POST /inventory/release
type releaseRequest struct {
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason"`
}

func NewInventoryClient(baseURL string, logger *zap.Logger) *InventoryClient {
	return &InventoryClient{jsonClient: newJSONClient("inventory service", baseURL, logger)}
}

func (c *InventoryClient) ReleaseReservation(ctx context.Context, orderID int64, reason string) error {
	return c.send(ctx, http.MethodPost, "/inventory/release", releaseRequest{
		OrderID: orderID,
		Reason:  reason,
	})
}
