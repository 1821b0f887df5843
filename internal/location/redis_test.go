package location

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *RedisFeed) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisFeed(client, "", nil)
}

func TestRedisPublishAndGet(t *testing.T) {
	mr, feed := setupMiniredis(t)
	ctx := context.Background()

	loc := models.DriverLocation{DriverID: "d1", Lat: 12.975, Lon: 77.585, UpdatedAt: now}
	require.NoError(t, feed.Publish(ctx, loc))

	assert.True(t, mr.Exists("driver:location:d1"))
	assert.Equal(t, "12.975", mr.HGet("driver:location:d1", "lat"))

	got, err := feed.Get(ctx, "d1")
	require.NoError(t, err)
	assert.InDelta(t, 12.975, got.Lat, 1e-9)
	assert.InDelta(t, 77.585, got.Lon, 1e-9)
	assert.True(t, got.UpdatedAt.Equal(now))
	assert.NotEmpty(t, got.Geohash)
}

func TestRedisGetMissing(t *testing.T) {
	_, feed := setupMiniredis(t)
	_, err := feed.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisPublishError(t *testing.T) {
	mr, feed := setupMiniredis(t)
	mr.Close()

	err := feed.Publish(context.Background(), models.DriverLocation{DriverID: "d1", Lat: 1, Lon: 1, UpdatedAt: now})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to store location")
}

func TestRedisNearby(t *testing.T) {
	_, feed := setupMiniredis(t)
	ctx := context.Background()

	require.NoError(t, feed.Publish(ctx, models.DriverLocation{DriverID: "near", Lat: 12.975, Lon: 77.585, UpdatedAt: now}))
	require.NoError(t, feed.Publish(ctx, models.DriverLocation{DriverID: "far", Lat: 13.5, Lon: 77.59, UpdatedAt: now}))

	got, err := feed.Nearby(ctx, models.Coord{Lat: 12.97, Lon: 77.59}, 20, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "near", got[0].Location.DriverID)
	assert.Less(t, got[0].DistanceKm, 2.0)
}

func TestRedisWatch(t *testing.T) {
	_, feed := setupMiniredis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := feed.Watch(ctx, "d1")
	require.NoError(t, err)

	require.NoError(t, feed.Publish(ctx, models.DriverLocation{DriverID: "d1", Lat: 12.9, Lon: 77.6, UpdatedAt: now}))

	select {
	case loc := <-ch:
		assert.Equal(t, "d1", loc.DriverID)
		assert.InDelta(t, 12.9, loc.Lat, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("no location update received")
	}
}
