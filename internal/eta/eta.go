// Package eta gives the rider a rough pickup estimate once a driver is
// assigned. It is a straight-line figure, not a routed one.
package eta

import (
	"math"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// DefaultSpeedKmh is the assumed average city speed.
const DefaultSpeedKmh = 40.0

// Minutes returns round(distance / speed * 60). Non-positive speeds use the
// default. A non-finite distance yields 0.
func Minutes(driver, pickup models.Coord, speedKmh float64) int {
	if speedKmh <= 0 || math.IsNaN(speedKmh) {
		speedKmh = DefaultSpeedKmh
	}
	m := math.Round(geo.DistanceKm(driver, pickup) / speedKmh * 60)
	if math.IsNaN(m) || math.IsInf(m, 0) {
		return 0
	}
	return int(m)
}
