package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/apperrors"
	"github.com/akylbek/payment-system/payment-service/internal/interfaces"
	"github.com/akylbek/payment-system/payment-service/internal/models"
)

const TopicPaymentStateChanged = "payment.state.changed"

// Writer is the part of *kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher emits payment state changes keyed by payment id, so every change of
// one payment lands on the same partition in order.
type KafkaPublisher struct {
	writer Writer
	logger *zap.Logger
}

var _ interfaces.EventPublisher = (*KafkaPublisher)(nil)

// NewKafkaWriter builds the writer for a comma-separated broker list.
func NewKafkaWriter(brokers string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(brokers, ",")...),
		Topic:        TopicPaymentStateChanged,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

func NewKafkaPublisher(writer Writer, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, logger: logger}
}

func (p *KafkaPublisher) PublishStateChanged(ctx context.Context, event models.PaymentStateChangedEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.PaymentID),
		Value: value,
	}); err != nil {
		return apperrors.New(apperrors.KindUpstreamUnavailable, "publish payment state change failed", err)
	}

	p.logger.Info("Payment state transition",
		zap.String("payment_id", event.PaymentID),
		zap.String("from_state", event.PreviousState),
		zap.String("to_state", event.State),
	)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
