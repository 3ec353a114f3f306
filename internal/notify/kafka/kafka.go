// Package kafka publishes escalation notifications to a Kafka topic. The
// channel name is the message key, so events for one tenant, operator, or
// conversation stay ordered within a partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/segmentio/kafka-go"
)

// messageWriter is the slice of kafka.Writer the publisher uses; swappable
// in tests.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher implements handoff.Publisher over a Kafka topic.
type Publisher struct {
	writer messageWriter
	logger log.Logger
}

// envelope is the wire format for one notification event.
type envelope struct {
	Channel string    `json:"channel"`
	Event   string    `json:"event"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"ts"`
}

// New creates a publisher writing to the given brokers and topic.
func New(brokers []string, topic string, logger log.Logger) *Publisher {
	if logger == nil {
		logger = log.Nop()
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
		logger: logger,
	}
}

// Publish sends one event. Callers treat failures as non-fatal; the error is
// returned so they can count and log it.
func (p *Publisher) Publish(ctx context.Context, channel, event string, payload any) error {
	body, err := json.Marshal(envelope{
		Channel: channel,
		Event:   event,
		Payload: payload,
		Time:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("kafka: marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(channel),
		Value: body,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write event: %w", err)
	}

	p.logger.Info(ctx, "published notification", "channel", channel, "event", event)
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
