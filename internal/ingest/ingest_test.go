package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/models"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("expected a deadline")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { f.closed = true; return nil }

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestPublishLocationKeyedByDriver(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaProducerWithWriter(w)
	loc := models.DriverLocation{DriverID: "drv-1", Lat: 12.97, Lon: 77.59, UpdatedAt: now}
	require.NoError(t, p.PublishLocation(context.Background(), loc))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "drv-1", string(w.msgs[0].Key))
	var got models.DriverLocation
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, loc.Lat, got.Lat)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestPublishRideEvent(t *testing.T) {
	w := &fakeWriter{}
	p := NewEventPublisherWithWriter(w)
	ev := RideEvent{Type: "ride_accepted", RideID: "ride-1", Status: string(models.StatusAccepted), At: now}
	require.NoError(t, p.PublishRide(context.Background(), ev))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "ride-1", string(w.msgs[0].Key))
	require.Len(t, w.msgs[0].Headers, 1)
	assert.Equal(t, "ride_accepted", string(w.msgs[0].Headers[0].Value))
}

func TestMirrorFeedIgnoresKafkaFailure(t *testing.T) {
	feed := location.NewMemoryFeed()
	w := &fakeWriter{err: errors.New("broker down")}
	m := &MirrorFeed{Feed: feed, Producer: NewKafkaProducerWithWriter(w)}

	loc := models.DriverLocation{DriverID: "drv-1", Lat: 1, Lon: 2, UpdatedAt: now}
	require.NoError(t, m.Publish(context.Background(), loc))

	got, err := m.Get(context.Background(), "drv-1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Lat)
}
