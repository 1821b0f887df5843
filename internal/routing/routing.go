// Package routing turns a pair of coordinates into a drivable polyline for
// map display. Nothing in matching depends on it; callers treat errors as
// "no route drawn".
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var ErrNoRoute = errors.New("no route found")

type Route struct {
	Points      []models.Coord `json:"points"`
	DistanceKm  float64        `json:"distance_km"`
	DurationSec float64        `json:"duration_sec"`
	Provider    string         `json:"provider"`
}

type Router interface {
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 5 * time.Second}
}

func getJSON(ctx context.Context, c *http.Client, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// lonLatPoints accepts a GeoJSON LineString or MultiLineString coordinate
// array and flattens it into points.
func lonLatPoints(raw json.RawMessage) ([]models.Coord, error) {
	var line [][]float64
	if err := json.Unmarshal(raw, &line); err == nil {
		return toCoords(line), nil
	}
	var multi [][][]float64
	if err := json.Unmarshal(raw, &multi); err != nil {
		return nil, fmt.Errorf("decode geometry: %w", err)
	}
	var out []models.Coord
	for _, seg := range multi {
		out = append(out, toCoords(seg)...)
	}
	return out, nil
}

func toCoords(line [][]float64) []models.Coord {
	out := make([]models.Coord, 0, len(line))
	for _, p := range line {
		if len(p) < 2 {
			continue
		}
		out = append(out, models.Coord{Lat: p[1], Lon: p[0]})
	}
	return out
}

// Geoapify queries the Geoapify routing API in drive mode.
type Geoapify struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func NewGeoapify(endpoint, apiKey string) *Geoapify {
	if endpoint == "" {
		endpoint = "https://api.geoapify.com"
	}
	return &Geoapify{Endpoint: strings.TrimRight(endpoint, "/"), APIKey: apiKey, Client: newHTTPClient()}
}

func (g *Geoapify) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	if g.APIKey == "" {
		return Route{}, errors.New("geoapify: api key not configured")
	}
	q := url.Values{}
	q.Set("waypoints", fmt.Sprintf("%.6f,%.6f|%.6f,%.6f", from.Lat, from.Lon, to.Lat, to.Lon))
	q.Set("mode", "drive")
	q.Set("apiKey", g.APIKey)

	var out struct {
		Features []struct {
			Geometry struct {
				Coordinates json.RawMessage `json:"coordinates"`
			} `json:"geometry"`
			Properties struct {
				Distance float64 `json:"distance"`
				Time     float64 `json:"time"`
			} `json:"properties"`
		} `json:"features"`
	}
	if err := getJSON(ctx, g.Client, g.Endpoint+"/v1/routing?"+q.Encode(), &out); err != nil {
		return Route{}, fmt.Errorf("geoapify routing: %w", err)
	}
	if len(out.Features) == 0 {
		return Route{}, fmt.Errorf("geoapify routing: %w", ErrNoRoute)
	}
	f := out.Features[0]
	pts, err := lonLatPoints(f.Geometry.Coordinates)
	if err != nil {
		return Route{}, fmt.Errorf("geoapify routing: %w", err)
	}
	if len(pts) == 0 {
		return Route{}, fmt.Errorf("geoapify routing: %w", ErrNoRoute)
	}
	return Route{Points: pts, DistanceKm: f.Properties.Distance / 1000, DurationSec: f.Properties.Time, Provider: "geoapify"}, nil
}

// OSRM performs route lookups against an OSRM HTTP server.
type OSRM struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRM(endpoint string) *OSRM {
	if endpoint == "" {
		endpoint = "https://router.project-osrm.org"
	}
	return &OSRM{Endpoint: strings.TrimRight(endpoint, "/"), Client: newHTTPClient()}
}

func (o *OSRM) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	// /route/v1/driving/{lon1},{lat1};{lon2},{lat2}
	u := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=geojson", o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	var out struct {
		Code   string `json:"code"`
		Routes []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
			Geometry struct {
				Coordinates json.RawMessage `json:"coordinates"`
			} `json:"geometry"`
		} `json:"routes"`
	}
	if err := getJSON(ctx, o.Client, u, &out); err != nil {
		return Route{}, fmt.Errorf("osrm: %w", err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return Route{}, fmt.Errorf("osrm %s: %w", out.Code, ErrNoRoute)
	}
	r := out.Routes[0]
	pts, err := lonLatPoints(r.Geometry.Coordinates)
	if err != nil {
		return Route{}, fmt.Errorf("osrm: %w", err)
	}
	return Route{Points: pts, DistanceKm: r.Distance / 1000, DurationSec: r.Duration, Provider: "osrm"}, nil
}

// Fallback tries Primary and, on any error, Secondary.
type Fallback struct {
	Primary   Router
	Secondary Router
	Logger    *slog.Logger
}

func (f *Fallback) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	r, err := f.Primary.Route(ctx, from, to)
	if err == nil {
		return r, nil
	}
	if f.Logger != nil {
		f.Logger.Warn("primary router failed, using fallback", "err", err)
	}
	observability.ProviderFallbacks.WithLabelValues("routing").Inc()
	r, ferr := f.Secondary.Route(ctx, from, to)
	if ferr != nil {
		return Route{}, errors.Join(err, ferr)
	}
	return r, nil
}
