package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dash/internal/models"
	"github.com/example/ride-dash/internal/observability"
)

// EventSink receives ride events. Publishing is best effort: callers log a
// returned error and carry on.
type EventSink interface {
	Publish(ctx context.Context, ev models.RideEvent) error
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Publish(context.Context, models.RideEvent) error { return nil }

// KafkaProducer writes ride events keyed by ride id, so every event of one
// ride lands on the same partition in order.
type KafkaProducer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewKafkaProducer(brokers []string, topic string, logger *slog.Logger) *KafkaProducer {
	logger = logger.With("component", "kafka_producer")
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			result := "ok"
			if err != nil {
				result = "error"
				logger.Error("ride_events_write_failed", "count", len(msgs), "error", err)
			}
			observability.EventsPublished.WithLabelValues(result).Add(float64(len(msgs)))
		},
	}
	return &KafkaProducer{writer: w, logger: logger}
}

func (k *KafkaProducer) Publish(ctx context.Context, ev models.RideEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.RideID), Value: b, Time: ev.At})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
