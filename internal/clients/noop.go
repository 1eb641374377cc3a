package clients

import (
	"context"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/models"
)

// Noop stands in for any collaborator that has no configured endpoint.
type Noop struct {
	logger *zap.Logger
}

func NewNoop(logger *zap.Logger) *Noop {
	return &Noop{logger: logger}
}

func (n *Noop) NotifyPaymentStatus(_ context.Context, orderID int64, status models.PaymentStatus, paymentID string) error {
	n.logger.Debug("Order service not configured, skipping status sync",
		zap.Int64("order_id", orderID),
		zap.String("status", string(status)),
		zap.String("payment_id", paymentID),
	)
	return nil
}

func (n *Noop) ReleaseReservation(_ context.Context, orderID int64, reason string) error {
	n.logger.Debug("Inventory service not configured, skipping release",
		zap.Int64("order_id", orderID),
		zap.String("reason", reason),
	)
	return nil
}

func (n *Noop) SendUserNotification(_ context.Context, userID int64, noticeType, _ string) error {
	n.logger.Debug("Notification service not configured, skipping notification",
		zap.Int64("user_id", userID),
		zap.String("type", noticeType),
	)
	return nil
}

func (n *Noop) PublishStateChanged(_ context.Context, event models.PaymentStateChangedEvent) error {
	n.logger.Debug("Event stream not configured, skipping state change",
		zap.String("payment_id", event.PaymentID),
		zap.String("state", event.State),
	)
	return nil
}
