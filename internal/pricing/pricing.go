// Package pricing quotes pre-dispatch fares per vehicle tier.
package pricing

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

var ErrUnknownTier = errors.New("unknown vehicle tier")

// Rate is the fixed component plus the per-kilometre component of a fare.
type Rate struct {
	Base  float64 `json:"base_fare"`
	PerKm float64 `json:"per_km"`
}

// Table maps a tier to its rate. Surge scales every quote.
type Table struct {
	Rates map[models.VehicleType]Rate
	Surge float64
}

// DefaultTable returns the standard Sedan/SUV/Luxury rates.
func DefaultTable() Table {
	return Table{
		Rates: map[models.VehicleType]Rate{
			models.VehicleSedan:  {Base: 50, PerKm: 12},
			models.VehicleSUV:    {Base: 80, PerKm: 18},
			models.VehicleLuxury: {Base: 150, PerKm: 25},
		},
		Surge: 1,
	}
}

// WithSurge returns a copy of t with the multiplier replaced. Non-positive
// values fall back to 1.
func (t Table) WithSurge(m float64) Table {
	if m <= 0 || math.IsNaN(m) || math.IsInf(m, 0) {
		m = 1
	}
	t.Surge = m
	return t
}

// Quote returns base + distance * perKm for the tier, scaled by surge and
// rounded to two decimals. A non-finite or negative result becomes 0.
func (t Table) Quote(tier models.VehicleType, pickup, drop models.Coord) (float64, error) {
	rate, ok := t.Rates[tier]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	surge := t.Surge
	if surge <= 0 {
		surge = 1
	}
	fare := (rate.Base + geo.DistanceKm(pickup, drop)*rate.PerKm) * surge
	return models.SanitizeFare(math.Round(fare*100) / 100), nil
}

// Tiers lists the quotable tiers in ascending base-fare order.
func (t Table) Tiers() []models.VehicleType {
	out := make([]models.VehicleType, 0, len(t.Rates))
	for _, v := range []models.VehicleType{models.VehicleSedan, models.VehicleSUV, models.VehicleLuxury, models.VehicleHatchback, models.VehicleMinivan} {
		if _, ok := t.Rates[v]; ok {
			out = append(out, v)
		}
	}
	return out
}

// Quote prices a trip with the default table.
func Quote(tier models.VehicleType, pickup, drop models.Coord) (float64, error) {
	return DefaultTable().Quote(tier, pickup, drop)
}
