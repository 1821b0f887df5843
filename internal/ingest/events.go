package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// RideEvent is emitted after every committed ride transition.
type RideEvent struct {
	Type   string      `json:"type"`
	RideID string      `json:"ride_id"`
	Status string      `json:"status"`
	Ride   models.Ride `json:"ride"`
	At     time.Time   `json:"at"`
}

// EventPublisher writes ride events keyed by ride id.
type EventPublisher struct {
	writer MessageWriter
}

func NewEventPublisher(brokers []string, topic string) *EventPublisher {
	return &EventPublisher{writer: newWriter(brokers, topic)}
}

func NewEventPublisherWithWriter(w MessageWriter) *EventPublisher {
	return &EventPublisher{writer: w}
}

func (p *EventPublisher) PublishRide(ctx context.Context, ev RideEvent) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(ev.RideID),
		Value:   b,
		Headers: []kafka.Header{{Key: "type", Value: []byte(ev.Type)}},
	})
}

func (p *EventPublisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
