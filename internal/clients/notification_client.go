package clients

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/apperrors"
	"github.com/akylbek/payment-system/payment-service/internal/interfaces"
)

type userNotification struct {
	UserID  int64  `json:"user_id"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NotificationClient sends user notifications over HTTP.
type NotificationClient struct {
	jsonClient
}

var _ interfaces.NotificationService = (*NotificationClient)(nil)

func NewNotificationClient(baseURL string, logger *zap.Logger) *NotificationClient {
	return &NotificationClient{jsonClient: newJSONClient("notification service", baseURL, logger)}
}

func (c *NotificationClient) SendUserNotification(ctx context.Context, userID int64, noticeType, message string) error {
	return c.send(ctx, http.MethodPost, "/notifications", userNotification{
		UserID:  userID,
		Type:    noticeType,
		Message: message,
	})
}

// Publisher is the subset of *nats.Conn used to publish notifications.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier sends user notifications as NATS messages.
type NATSNotifier struct {
	conn    Publisher
	subject string
	logger  *zap.Logger
}

var _ interfaces.NotificationService = (*NATSNotifier)(nil)

func NewNATSNotifier(conn Publisher, subject string, logger *zap.Logger) *NATSNotifier {
	return &NATSNotifier{conn: conn, subject: subject, logger: logger}
}

func (n *NATSNotifier) SendUserNotification(ctx context.Context, userID int64, noticeType, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(userNotification{UserID: userID, Type: noticeType, Message: message})
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return apperrors.New(apperrors.KindUpstreamUnavailable, "notification publish failed", err)
	}

	n.logger.Debug("Published user notification",
		zap.String("subject", n.subject),
		zap.Int64("user_id", userID),
		zap.String("type", noticeType),
	)
	return nil
}
