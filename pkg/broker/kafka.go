package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/uhyunpark/clearcore/pkg/app/core/events"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes events to one topic keyed by symbol, so each symbol's events stay
// ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
		topic: topic,
	}
}

func (k *KafkaSink) Name() string { return "kafka:" + k.topic }

func (k *KafkaSink) Send(ctx context.Context, batch []events.Event) error {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, e := range batch {
		value, err := encode(e)
		if err != nil {
			return fmt.Errorf("encode %s: %w", e.Kind, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:     []byte(e.Symbol),
			Value:   value,
			Time:    e.Timestamp,
			Headers: []kafka.Header{{Key: "kind", Value: []byte(e.Kind)}},
		})
	}
	return k.writer.WriteMessages(ctx, msgs...)
}

func (k *KafkaSink) Close() error { return k.writer.Close() }
