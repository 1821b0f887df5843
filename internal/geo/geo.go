package geo

import (
	"math"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-dispatch/internal/models"
)

// EarthRadiusKm is the mean Earth radius used for all distance math.
const EarthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance between a and b in kilometers.
func DistanceKm(a, b models.Coord) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Cell returns the geohash cell of c at the given precision.
func Cell(c models.Coord, precision uint) string {
	return geohash.EncodeWithPrecision(c.Lat, c.Lon, precision)
}

// Neighbours returns cell and its eight surrounding cells.
func Neighbours(cell string) []string {
	return append(geohash.Neighbors(cell), cell)
}

// MaxSearchPrecision is the finest precision SearchPrecision will choose.
const MaxSearchPrecision = 7

const kmPerDegree = EarthRadiusKm * math.Pi / 180

// CellSpan returns the height and width in degrees of a cell at precision.
func CellSpan(precision uint) (latDeg, lonDeg float64) {
	bits := 5 * precision
	return 180 / math.Exp2(float64(bits/2)), 360 / math.Exp2(float64((bits+1)/2))
}

// SearchPrecision picks the finest geohash precision at which the cell
// holding c plus its eight neighbours covers every point within radiusKm.
// Cells narrow east-west with latitude, so the longitude reach of the
// circle is measured at c. ok is false when no precision covers it (the
// circle touches a pole or crosses the antimeridian); callers then scan.
func SearchPrecision(c models.Coord, radiusKm float64) (precision uint, ok bool) {
	if radiusKm < 0 {
		radiusKm = 0
	}
	ang := radiusKm / EarthRadiusKm
	latReach := radiusKm / kmPerDegree
	if ang >= math.Pi/2 || math.Abs(c.Lat)+latReach >= 90 {
		return 0, false
	}
	s := math.Sin(ang) / math.Cos(c.Lat*math.Pi/180)
	if s >= 1 {
		return 0, false
	}
	lonReach := math.Asin(s) * 180 / math.Pi
	if math.Abs(c.Lon)+lonReach >= 180 {
		return 0, false
	}
	for p := uint(MaxSearchPrecision); p >= 1; p-- {
		latDeg, lonDeg := CellSpan(p)
		if latDeg >= latReach && lonDeg >= lonReach {
			return p, true
		}
	}
	return 0, false
}
