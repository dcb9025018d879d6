package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/gghorizon/edge-gateway/internal/events"
)

const defaultTopic = "security.events"

// Producer publishes security events to a Kafka topic, keyed by client IP so one
// offender's events stay ordered within a partition.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	if topic == "" {
		topic = defaultTopic
	}
	return &Producer{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}}
}

func (p *Producer) Name() string { return "kafka" }

// Record writes one event. The caller bounds it with ctx; the Dispatcher runs it
// off the request path.
func (p *Producer) Record(ctx context.Context, ev events.SecurityEvent) error {
	msg, err := newMessage(ev)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publishing %s event: %w", ev.Type, err)
	}
	return nil
}

func newMessage(ev events.SecurityEvent) (kafka.Message, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshalling event %s: %w", ev.Type, err)
	}
	return kafka.Message{
		Key:   []byte(ev.IP),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
		Time: ev.Timestamp,
	}, nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
