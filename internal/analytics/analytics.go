// Package analytics is the fire-and-forget event sink. It sits outside
// the consistency boundary: a slow or failing sink must never block or
// fail a ride operation.
package analytics

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

type Sink interface {
	Record(ctx context.Context, eventType string, payload map[string]any)
}

// Noop discards everything; used when no broker is configured.
type Noop struct{}

func (Noop) Record(context.Context, string, map[string]any) {}

// KafkaSink publishes ride events to a Kafka topic asynchronously.
type KafkaSink struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) *KafkaSink {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	})
	return &KafkaSink{writer: w, logger: logger}
}

// Record publishes without waiting on the caller's request lifetime.
// Failures are logged and dropped.
func (k *KafkaSink) Record(_ context.Context, eventType string, payload map[string]any) {
	msg := map[string]any{
		"event_type":  eventType,
		"payload":     payload,
		"recorded_at": time.Now().UTC(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		k.logger.Warn("analytics payload not serializable", "event_type", eventType, "error", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(eventType), Value: b}); err != nil {
			k.logger.Warn("analytics publish failed", "event_type", eventType, "error", err)
		}
	}()
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
