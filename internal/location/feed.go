// Package location holds the live driver position feed: one record per
// driver, overwritten on every update.
package location

import (
	"context"
	"errors"
	"sort"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

var ErrNotFound = errors.New("driver location not found")

// GeohashPrecision is the precision stored alongside every position.
const GeohashPrecision = 7

// Nearby is a driver position annotated with its distance from the query.
type Nearby struct {
	Location   models.DriverLocation `json:"location"`
	DistanceKm float64               `json:"distance_km"`
}

type Feed interface {
	// Publish overwrites the driver's current position.
	Publish(ctx context.Context, loc models.DriverLocation) error
	Get(ctx context.Context, driverID string) (models.DriverLocation, error)
	// Watch emits the driver's position on every Publish until ctx ends.
	Watch(ctx context.Context, driverID string) (<-chan models.DriverLocation, error)
	// Nearby returns drivers within radiusKm of c, closest first.
	Nearby(ctx context.Context, c models.Coord, radiusKm float64, limit int) ([]Nearby, error)
}

func withGeohash(loc models.DriverLocation) models.DriverLocation {
	if loc.Geohash == "" {
		loc.Geohash = geo.Cell(loc.Coord(), GeohashPrecision)
	}
	return loc
}

func sortNearby(out []Nearby, limit int) []Nearby {
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func latest(ch chan models.DriverLocation, loc models.DriverLocation) {
	select {
	case <-ch:
	default:
	}
	ch <- loc
}
