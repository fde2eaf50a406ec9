package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"campus-auth/backend/internal/platform/dependency"
)

const kafkaWriteTimeout = 5 * time.Second

// KafkaPublisher writes events as JSON to a Kafka topic, keyed by account id so one account's
// alerts stay ordered.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher returns a publisher for topic, or nil when brokers or topic are empty.
// Call Close when shutting down.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		MaxAttempts:  5,
		RequiredAcks: kafka.RequireAll,
	}}
}

// Message encodes e as the Kafka record written by Publish.
func Message(e Event) (kafka.Message, error) {
	if err := e.Validate(); err != nil {
		return kafka.Message{}, err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:     []byte(e.AccountID),
		Value:   payload,
		Headers: []kafka.Header{{Key: "type", Value: []byte(e.Type)}, {Key: "id", Value: []byte(e.ID)}},
		Time:    e.OccurredAt,
	}, nil
}

// Publish writes e. Transport errors are wrapped as dependency.ErrUnavailable.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	if p == nil || p.writer == nil {
		return nil
	}
	msg, err := Message(e)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, kafkaWriteTimeout)
	defer cancel()
	return dependency.Unavailable("kafka", p.writer.WriteMessages(writeCtx, msg))
}

// Close flushes and closes the writer. Safe on nil.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
