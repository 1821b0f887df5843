package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/models"
)

// Cached is a small in-memory TTL cache in front of another Router, keyed
// by the coordinate pair at six decimals.
type Cached struct {
	next  Router
	ttl   time.Duration
	clock clock.Clock

	mu    sync.RWMutex
	store map[string]cacheEntry
}

type cacheEntry struct {
	route Route
	ts    time.Time
}

func NewCached(next Router, ttl time.Duration, clk clock.Clock) *Cached {
	if clk == nil {
		clk = clock.Real()
	}
	return &Cached{next: next, ttl: ttl, clock: clk, store: make(map[string]cacheEntry)}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

func (c *Cached) get(k string) (Route, bool) {
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if c.clock.Now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.route, true
}

func (c *Cached) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	k := keyFor(from, to)
	if r, ok := c.get(k); ok {
		return r, nil
	}
	r, err := c.next.Route(ctx, from, to)
	if err != nil {
		return Route{}, err
	}
	c.mu.Lock()
	c.store[k] = cacheEntry{route: r, ts: c.clock.Now()}
	c.mu.Unlock()
	return r, nil
}
