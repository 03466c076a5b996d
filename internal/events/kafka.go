package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const eventVersion = 1

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON, keyed by order ref so all events of
// one order land on the same partition.
type KafkaPublisher struct {
	logger *zap.Logger
	writer messageWriter
	topic  string
}

var _ Publisher = (*KafkaPublisher)(nil)

func NewKafkaPublisher(logger *zap.Logger, brokers []string, topic string) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return newKafkaPublisher(logger, writer, topic)
}

func newKafkaPublisher(logger *zap.Logger, w messageWriter, topic string) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{logger: logger, writer: w, topic: topic}
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Publish fills in the envelope fields that are unset and writes the event.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if e.Version == 0 {
		e.Version = eventVersion
	}

	value, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("failed to marshal payment event", zap.Error(err), zap.String("order_ref", e.OrderRef))
		return err
	}

	msg := kafka.Message{
		Key:   []byte(e.OrderRef),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish payment event",
			zap.Error(err),
			zap.String("topic", p.topic),
			zap.String("event_type", string(e.Type)),
			zap.String("order_ref", e.OrderRef),
		)
		return err
	}

	p.logger.Debug("payment event published",
		zap.String("topic", p.topic),
		zap.String("event_type", string(e.Type)),
		zap.String("order_ref", e.OrderRef),
	)
	return nil
}
