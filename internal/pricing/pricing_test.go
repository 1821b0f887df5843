package pricing

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	mgRoad      = models.Coord{Lat: 12.97, Lon: 77.59}
	koramangala = models.Coord{Lat: 12.93, Lon: 77.61}
)

func TestQuoteBangaloreSedan(t *testing.T) {
	fare, err := Quote(models.VehicleSedan, mgRoad, koramangala)
	require.NoError(t, err)

	want := 50 + geo.DistanceKm(mgRoad, koramangala)*12
	assert.InDelta(t, want, fare, 0.005)
	assert.InDelta(t, 109.4, fare, 0.5)
}

func TestQuoteTiers(t *testing.T) {
	d := geo.DistanceKm(mgRoad, koramangala)
	tests := []struct {
		tier models.VehicleType
		want float64
	}{
		{models.VehicleSedan, 50 + d*12},
		{models.VehicleSUV, 80 + d*18},
		{models.VehicleLuxury, 150 + d*25},
	}
	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			got, err := Quote(tt.tier, mgRoad, koramangala)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 0.005)
		})
	}
}

func TestQuoteSamePointIsBaseFare(t *testing.T) {
	fare, err := Quote(models.VehicleSUV, mgRoad, mgRoad)
	require.NoError(t, err)
	assert.Equal(t, 80.0, fare)
}

func TestQuoteUnknownTier(t *testing.T) {
	_, err := Quote(models.VehicleMinivan, mgRoad, koramangala)
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestQuoteNaNCoercedToZero(t *testing.T) {
	fare, err := Quote(models.VehicleSedan, models.Coord{Lat: math.NaN()}, koramangala)
	require.NoError(t, err)
	assert.Equal(t, 0.0, fare)
}

func TestSurge(t *testing.T) {
	table := DefaultTable().WithSurge(1.5)
	fare, err := table.Quote(models.VehicleSedan, mgRoad, mgRoad)
	require.NoError(t, err)
	assert.Equal(t, 75.0, fare)

	assert.Equal(t, 1.0, DefaultTable().WithSurge(-2).Surge)
	assert.Equal(t, 1.0, DefaultTable().WithSurge(math.Inf(1)).Surge)
}

func TestTiersOrdered(t *testing.T) {
	assert.Equal(t, []models.VehicleType{models.VehicleSedan, models.VehicleSUV, models.VehicleLuxury}, DefaultTable().Tiers())
}
