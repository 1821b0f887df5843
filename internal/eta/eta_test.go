package eta

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

func TestMinutes(t *testing.T) {
	// 20 km due north at 40 km/h is 30 minutes
	north := models.Coord{Lat: 20 / geo.EarthRadiusKm * 180 / math.Pi}
	assert.Equal(t, 30, Minutes(models.Coord{}, north, 40))
	assert.Equal(t, 30, Minutes(models.Coord{}, north, 0), "default speed")
	assert.Equal(t, 20, Minutes(models.Coord{}, north, 60))
}

func TestMinutesSamePoint(t *testing.T) {
	p := models.Coord{Lat: 12.97, Lon: 77.59}
	assert.Equal(t, 0, Minutes(p, p, DefaultSpeedKmh))
}

func TestMinutesBangalore(t *testing.T) {
	// driver ~0.78 km from the pickup
	got := Minutes(models.Coord{Lat: 12.975, Lon: 77.585}, models.Coord{Lat: 12.97, Lon: 77.59}, DefaultSpeedKmh)
	assert.Equal(t, 1, got)
}

func TestMinutesNaN(t *testing.T) {
	assert.Equal(t, 0, Minutes(models.Coord{Lat: math.NaN()}, models.Coord{}, 40))
}
