package location

import (
	"context"
	"strings"
	"sync"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

type MemoryFeed struct {
	mu       sync.RWMutex
	drivers  map[string]models.DriverLocation
	watchers map[string]map[chan models.DriverLocation]struct{}
}

func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{
		drivers:  make(map[string]models.DriverLocation),
		watchers: make(map[string]map[chan models.DriverLocation]struct{}),
	}
}

func (f *MemoryFeed) Publish(ctx context.Context, loc models.DriverLocation) error {
	loc = withGeohash(loc)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drivers[loc.DriverID] = loc
	for ch := range f.watchers[loc.DriverID] {
		latest(ch, loc)
	}
	return nil
}

func (f *MemoryFeed) Get(ctx context.Context, driverID string) (models.DriverLocation, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	loc, ok := f.drivers[driverID]
	if !ok {
		return models.DriverLocation{}, ErrNotFound
	}
	return loc, nil
}

func (f *MemoryFeed) Watch(ctx context.Context, driverID string) (<-chan models.DriverLocation, error) {
	ch := make(chan models.DriverLocation, 1)
	f.mu.Lock()
	if f.watchers[driverID] == nil {
		f.watchers[driverID] = make(map[chan models.DriverLocation]struct{})
	}
	f.watchers[driverID][ch] = struct{}{}
	if loc, ok := f.drivers[driverID]; ok {
		ch <- loc
	}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.watchers[driverID], ch)
		if len(f.watchers[driverID]) == 0 {
			delete(f.watchers, driverID)
		}
		close(ch)
		f.mu.Unlock()
	}()
	return ch, nil
}

// Nearby prefilters by geohash cell when one covers the radius, then keeps
// exact haversine matches.
func (f *MemoryFeed) Nearby(ctx context.Context, c models.Coord, radiusKm float64, limit int) ([]Nearby, error) {
	precision, prefilter := geo.SearchPrecision(c, radiusKm)
	var cells []string
	if prefilter {
		cells = geo.Neighbours(geo.Cell(c, precision))
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Nearby, 0)
	for _, loc := range f.drivers {
		if prefilter && !inCells(loc.Geohash, cells, precision) {
			continue
		}
		d := geo.DistanceKm(c, loc.Coord())
		if d > radiusKm {
			continue
		}
		out = append(out, Nearby{Location: loc, DistanceKm: d})
	}
	return sortNearby(out, limit), nil
}

func inCells(hash string, cells []string, precision uint) bool {
	if uint(len(hash)) < precision {
		return true
	}
	prefix := hash[:precision]
	for _, c := range cells {
		if strings.EqualFold(prefix, c) {
			return true
		}
	}
	return false
}
