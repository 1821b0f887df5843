// Package ingest writes driver locations and ride lifecycle events to
// Kafka for downstream consumers.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/models"
)

const writeTimeout = 2 * time.Second

// MessageWriter is the part of *kafka.Writer the producers use.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

// KafkaProducer publishes driver location fixes keyed by driver id, so a
// partition sees one driver's fixes in order.
type KafkaProducer struct {
	writer MessageWriter
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	return &KafkaProducer{writer: newWriter(brokers, topic)}
}

func NewKafkaProducerWithWriter(w MessageWriter) *KafkaProducer {
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, loc models.DriverLocation) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	b, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(loc.DriverID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// MirrorFeed publishes to the wrapped feed and then copies the fix to
// Kafka. A Kafka failure is logged; the feed write already succeeded.
type MirrorFeed struct {
	location.Feed
	Producer *KafkaProducer
	Logger   *slog.Logger
}

func (m *MirrorFeed) Publish(ctx context.Context, loc models.DriverLocation) error {
	if err := m.Feed.Publish(ctx, loc); err != nil {
		return err
	}
	if err := m.Producer.PublishLocation(ctx, loc); err != nil && m.Logger != nil {
		m.Logger.Warn("kafka location mirror failed", "driver_id", loc.DriverID, "err", err)
	}
	return nil
}
