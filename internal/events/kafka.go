package events

import (
	"context"
	"encoding/json"

	kafkago "github.com/segmentio/kafka-go"
)

// KafkaProducer writes message events keyed by conversation id so one
// conversation's events stay on one partition.
type KafkaProducer struct {
	writer *kafkago.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		Async:        false,
	}
	return &KafkaProducer{writer: w}
}

func (p *KafkaProducer) Publish(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(ev.ConversationID),
		Value: b,
		Time:  ev.OccurredAt,
		Headers: []kafkago.Header{
			{Key: "event", Value: []byte(ev.Type)},
		},
	})
}

func (p *KafkaProducer) Close() error { return p.writer.Close() }
