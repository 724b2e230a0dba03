/**
 * @description
 * This package provides a publisher for writing ledger events to a Kafka topic.
 * Events for one account share a partition key so consumers see them in order.
 *
 * @dependencies
 * - github.com/segmentio/kafka-go: The Kafka client library.
 */
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
)

// Keyed is implemented by payloads that carry their own partition key, so all
// events for one key land on one partition in order.
type Keyed interface {
	PartitionKey() string
}

// Publisher writes JSON events to a single Kafka topic. The routing key
// travels as the event_type header; the exchange argument is ignored.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher creates a publisher for topic. It does not dial the brokers;
// the writer connects on the first publish.
func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("kafka: topic is required")
	}

	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
	}, nil
}

// Publish marshals event to JSON and writes it synchronously.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, event interface{}) error {
	msg, err := newMessage(routingKey, event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

func newMessage(routingKey string, event interface{}) (kafka.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, err
	}

	msg := kafka.Message{
		Value:   data,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(routingKey)}},
	}
	if keyed, ok := event.(Keyed); ok {
		msg.Key = []byte(keyed.PartitionKey())
	}
	return msg, nil
}

// Close flushes pending messages and closes the writer.
func (p *Publisher) Close() {
	_ = p.writer.Close()
}
