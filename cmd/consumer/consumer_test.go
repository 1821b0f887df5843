package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

// flakySink fails the first fail calls.
type flakySink struct {
	fail  int
	calls int
	got   []models.DriverLocation
}

func (f *flakySink) Publish(_ context.Context, loc models.DriverLocation) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("redis unavailable")
	}
	f.got = append(f.got, loc)
	return nil
}

var fix = models.DriverLocation{DriverID: "drv-1", Lat: 12.975, Lon: 77.585, UpdatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

func TestPublishWithRetrySucceedsAfterRetries(t *testing.T) {
	f := &flakySink{fail: 2}
	start := time.Now()
	require.NoError(t, publishWithRetry(context.Background(), f, fix, 3, 10*time.Millisecond))
	assert.Equal(t, 3, f.calls)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, []models.DriverLocation{fix}, f.got)
}

func TestPublishWithRetryFailsWhenExhausted(t *testing.T) {
	f := &flakySink{fail: 5}
	assert.Error(t, publishWithRetry(context.Background(), f, fix, 3, time.Millisecond))
	assert.Equal(t, 3, f.calls)
}

func TestPublishWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &flakySink{fail: 5}
	assert.Error(t, publishWithRetry(ctx, f, fix, 3, time.Hour))
	assert.Equal(t, 1, f.calls)
}

func TestDecode(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := &consumer{now: func() time.Time { return now }}

	_, err := c.decode([]byte(`{`))
	assert.Error(t, err)
	_, err = c.decode([]byte(`{"lat":1,"lon":2}`))
	assert.ErrorContains(t, err, "driver_id")
	_, err = c.decode([]byte(`{"driver_id":"d","lat":95,"lon":2}`))
	assert.ErrorContains(t, err, "out of range")

	loc, err := c.decode([]byte(`{"driver_id":"d","lat":12.9,"lon":77.6}`))
	require.NoError(t, err)
	assert.Equal(t, now, loc.UpdatedAt)
}

type sliceReader struct {
	msgs []kafka.Message
}

func (s *sliceReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(s.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func TestLoopWritesRedisFeed(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	feed := location.NewRedisFeed(rc, "drivers_geo", logging.Discard())

	good, err := json.Marshal(fix)
	require.NoError(t, err)
	reader := &sliceReader{msgs: []kafka.Message{{Value: []byte("garbage")}, {Value: good}}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c := &consumer{reader: reader, sink: feed, logger: logging.Discard(), attempts: 3, delay: time.Millisecond}
	go func() {
		defer close(done)
		c.loop(ctx)
	}()

	require.Eventually(t, func() bool {
		_, err := feed.Get(context.Background(), "drv-1")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	loc, err := feed.Get(context.Background(), "drv-1")
	require.NoError(t, err)
	assert.InDelta(t, 12.975, loc.Lat, 1e-6)
	near, err := feed.Nearby(context.Background(), models.Coord{Lat: 12.97, Lon: 77.59}, 5, 10)
	require.NoError(t, err)
	require.Len(t, near, 1)
}
