package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaProducer implements Producer using segmentio/kafka-go.
type KafkaProducer struct {
	writer *kafka.Writer
	topic  string
	logger *zap.Logger
}

// NewKafkaProducer creates a producer for topic. It returns nil, nil when no
// brokers are configured so callers can treat publishing as disabled.
func NewKafkaProducer(brokers []string, topic string, logger *zap.Logger) (*KafkaProducer, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaProducer{writer: writer, topic: topic, logger: logger.Named("events")}, nil
}

// Emit writes the event as JSON, keyed by identity so one identity's events stay ordered.
func (p *KafkaProducer) Emit(ctx context.Context, event *SecurityEvent) error {
	if p == nil || p.writer == nil || event == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, emitTimeout)
	defer cancel()
	var key []byte
	if event.IdentityID != "" {
		key = []byte(event.IdentityID)
	}
	err = p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   key,
		Value: payload,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
		},
	})
	if err != nil {
		p.logger.Warn("kafka emit failed", zap.String("topic", p.topic), zap.String("type", event.Type), zap.Error(err))
		return err
	}
	return nil
}

// Close closes the Kafka writer. Safe to call multiple times.
func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
