package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	DefaultGeoKey = "drivers_geo"

	fieldLat       = "lat"
	fieldLon       = "lon"
	fieldGeohash   = "geohash"
	fieldUpdatedAt = "updated_at"
)

func locationKey(driverID string) string { return "driver:location:" + driverID }

func updatesChannel(driverID string) string { return "driver:location:" + driverID + ":updates" }

// RedisFeed keeps each driver's position in a hash, indexes it in a GEO set
// for radius search and publishes every update on a per-driver channel.
type RedisFeed struct {
	client *redis.Client
	geoKey string
	logger *slog.Logger
}

func NewRedisFeed(client *redis.Client, geoKey string, logger *slog.Logger) *RedisFeed {
	if geoKey == "" {
		geoKey = DefaultGeoKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisFeed{client: client, geoKey: geoKey, logger: logger}
}

func (r *RedisFeed) Publish(ctx context.Context, loc models.DriverLocation) error {
	loc = withGeohash(loc)
	payload, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, locationKey(loc.DriverID), map[string]any{
			fieldLat:       strconv.FormatFloat(loc.Lat, 'f', -1, 64),
			fieldLon:       strconv.FormatFloat(loc.Lon, 'f', -1, 64),
			fieldGeohash:   loc.Geohash,
			fieldUpdatedAt: loc.UpdatedAt.UTC().Format(time.RFC3339Nano),
		})
		p.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{Name: loc.DriverID, Longitude: loc.Lon, Latitude: loc.Lat})
		p.Publish(ctx, updatesChannel(loc.DriverID), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store location for driver %s: %w", loc.DriverID, err)
	}
	return nil
}

func (r *RedisFeed) Get(ctx context.Context, driverID string) (models.DriverLocation, error) {
	m, err := r.client.HGetAll(ctx, locationKey(driverID)).Result()
	if err != nil {
		return models.DriverLocation{}, fmt.Errorf("failed to get location for driver %s: %w", driverID, err)
	}
	if len(m) == 0 {
		return models.DriverLocation{}, ErrNotFound
	}
	return parseHash(driverID, m)
}

func parseHash(driverID string, m map[string]string) (models.DriverLocation, error) {
	loc := models.DriverLocation{DriverID: driverID, Geohash: m[fieldGeohash]}
	var err error
	if loc.Lat, err = strconv.ParseFloat(m[fieldLat], 64); err != nil {
		return loc, fmt.Errorf("parse lat: %w", err)
	}
	if loc.Lon, err = strconv.ParseFloat(m[fieldLon], 64); err != nil {
		return loc, fmt.Errorf("parse lon: %w", err)
	}
	if v := m[fieldUpdatedAt]; v != "" {
		if loc.UpdatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return loc, fmt.Errorf("parse updated_at: %w", err)
		}
	}
	return loc, nil
}

func (r *RedisFeed) Watch(ctx context.Context, driverID string) (<-chan models.DriverLocation, error) {
	sub := r.client.Subscribe(ctx, updatesChannel(driverID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe driver %s: %w", driverID, err)
	}
	ch := make(chan models.DriverLocation, 1)
	if loc, err := r.Get(ctx, driverID); err == nil {
		ch <- loc
	} else if !errors.Is(err, ErrNotFound) {
		r.logger.Warn("initial driver location read failed", "driver_id", driverID, "err", err)
	}

	go func() {
		defer close(ch)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var loc models.DriverLocation
				if err := json.Unmarshal([]byte(msg.Payload), &loc); err != nil {
					r.logger.Warn("invalid driver location message", "driver_id", driverID, "err", err)
					continue
				}
				latest(ch, loc)
			}
		}
	}()
	return ch, nil
}

func (r *RedisFeed) Nearby(ctx context.Context, c models.Coord, radiusKm float64, limit int) ([]Nearby, error) {
	res, err := r.client.GeoRadius(ctx, r.geoKey, c.Lon, c.Lat, &redis.GeoRadiusQuery{
		Radius:   radiusKm,
		Unit:     "km",
		WithDist: true,
		Count:    limit,
		Sort:     "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius: %w", err)
	}
	out := make([]Nearby, 0, len(res))
	for _, g := range res {
		loc, err := r.Get(ctx, g.Name)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, Nearby{Location: loc, DistanceKm: g.Dist})
	}
	return out, nil
}
