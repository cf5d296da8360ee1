package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/uhyunpark/hyperroute/pkg/app/core/order"
)

// KafkaWriter publishes fills as JSON, keyed by pair so one pair's fills
// stay on one partition in order.
type KafkaWriter struct {
	writer *kafka.Writer
}

func NewKafkaWriter(brokers []string, topic string) *KafkaWriter {
	return &KafkaWriter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (k *KafkaWriter) WriteFills(ctx context.Context, fills []order.Fill) error {
	msgs, err := fillMessages(fills)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, msgs...)
}

func (k *KafkaWriter) Close() error {
	return k.writer.Close()
}

func fillMessages(fills []order.Fill) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(fills))
	for _, f := range fills {
		val, err := json.Marshal(f)
		if err != nil {
			return nil, fmt.Errorf("encode fill %s: %w", f.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(f.Pair),
			Value: val,
			Time:  f.Timestamp,
		})
	}
	return msgs, nil
}
