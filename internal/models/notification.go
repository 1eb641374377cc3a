package models

import "time"

type NotificationKind string

const (
	KindOrderStatus      NotificationKind = "order_status"
	KindInventoryRelease NotificationKind = "inventory_release"
	KindUserNotification NotificationKind = "user_notification"
	KindStateChanged     NotificationKind = "state_changed"
)

// Notification is one out-of-band delivery to a collaborator service.
type Notification struct {
	Kind           NotificationKind
	PaymentID      string
	OrderID        int64
	UserID         int64
	Status         PaymentStatus
	PreviousStatus PaymentStatus
	Reason         string
	NoticeType     string
	Message        string
	OccurredAt     time.Time
}

// PaymentStateChangedEvent is the payload published on payment.state.changed.
type PaymentStateChangedEvent struct {
	PaymentID     string    `json:"payment_id"`
	OrderID       int64     `json:"order_id"`
	State         string    `json:"state"`
	PreviousState string    `json:"previous_state"`
	Timestamp     time.Time `json:"timestamp"`
}
