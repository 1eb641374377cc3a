package interfaces

import (
	"context"

	"github.com/akylbek/payment-system/payment-service/internal/models"
)

type OrderService interface {
	NotifyPaymentStatus(ctx context.Context, orderID int64, status models.PaymentStatus, paymentID string) error
}

type InventoryService interface {
	ReleaseReservation(ctx context.Context, orderID int64, reason string) error
}

type NotificationService interface {
	SendUserNotification(ctx context.Context, userID int64, noticeType, message string) error
}

type EventPublisher interface {
	PublishStateChanged(ctx context.Context, event models.PaymentStateChangedEvent) error
}

// Dispatcher accepts notifications for background delivery. Enqueue never blocks
// and reports false when the notification was dropped.
type Dispatcher interface {
	Enqueue(n models.Notification) bool
}
