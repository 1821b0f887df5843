// Package geocode resolves free text to candidate places. Only lat, lon and
// display name are consumed from any provider.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var ErrNoResults = errors.New("no places found")

// Query is a search request. Near, when set, biases results to a 5 km
// circle around the point.
type Query struct {
	Text    string
	Near    *models.Coord
	Country string
	Limit   int
}

type Geocoder interface {
	Search(ctx context.Context, q Query) ([]models.Place, error)
}

const biasRadiusMeters = 5000

func getJSON(ctx context.Context, c *http.Client, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
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

// Geoapify uses the autocomplete endpoint.
type Geoapify struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func NewGeoapify(endpoint, apiKey string) *Geoapify {
	if endpoint == "" {
		endpoint = "https://api.geoapify.com"
	}
	return &Geoapify{Endpoint: strings.TrimRight(endpoint, "/"), APIKey: apiKey, Client: &http.Client{Timeout: 5 * time.Second}}
}

func (g *Geoapify) Search(ctx context.Context, q Query) ([]models.Place, error) {
	if g.APIKey == "" {
		return nil, errors.New("geoapify: api key not configured")
	}
	v := url.Values{}
	v.Set("text", q.Text)
	v.Set("apiKey", g.APIKey)
	v.Set("limit", strconv.Itoa(limitOr(q.Limit, 10)))
	if q.Country != "" {
		v.Set("filter", "countrycode:"+strings.ToLower(q.Country))
	}
	if q.Near != nil {
		v.Set("bias", fmt.Sprintf("proximity:%.6f,%.6f", q.Near.Lon, q.Near.Lat))
		v.Set("filter", fmt.Sprintf("circle:%.6f,%.6f,%d", q.Near.Lon, q.Near.Lat, biasRadiusMeters))
	}

	var out struct {
		Features []struct {
			Geometry struct {
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
			Properties struct {
				Formatted    string `json:"formatted"`
				AddressLine1 string `json:"address_line1"`
			} `json:"properties"`
		} `json:"features"`
	}
	if err := getJSON(ctx, g.Client, g.Endpoint+"/v1/geocode/autocomplete?"+v.Encode(), &out); err != nil {
		return nil, fmt.Errorf("geoapify geocode: %w", err)
	}
	places := make([]models.Place, 0, len(out.Features))
	for _, f := range out.Features {
		if len(f.Geometry.Coordinates) < 2 {
			continue
		}
		name := f.Properties.Formatted
		if name == "" {
			name = f.Properties.AddressLine1
		}
		places = append(places, models.Place{Lat: f.Geometry.Coordinates[1], Lon: f.Geometry.Coordinates[0], DisplayName: name})
	}
	if len(places) == 0 {
		return nil, fmt.Errorf("geoapify geocode: %w", ErrNoResults)
	}
	return places, nil
}

// Nominatim queries an OpenStreetMap Nominatim search endpoint.
type Nominatim struct {
	Endpoint  string
	UserAgent string
	Client    *http.Client
}

func NewNominatim(endpoint string) *Nominatim {
	if endpoint == "" {
		endpoint = "https://nominatim.openstreetmap.org"
	}
	return &Nominatim{Endpoint: strings.TrimRight(endpoint, "/"), UserAgent: "ride-dispatch/1.0", Client: &http.Client{Timeout: 5 * time.Second}}
}

// viewboxDelta is the half-width in degrees of the box around Near.
const viewboxDelta = 0.25

func (n *Nominatim) Search(ctx context.Context, q Query) ([]models.Place, error) {
	v := url.Values{}
	v.Set("format", "json")
	v.Set("q", q.Text)
	v.Set("limit", strconv.Itoa(limitOr(q.Limit, 5)))
	if q.Country != "" {
		v.Set("countrycodes", strings.ToLower(q.Country))
	}
	if q.Near != nil {
		v.Set("viewbox", fmt.Sprintf("%.6f,%.6f,%.6f,%.6f",
			q.Near.Lon-viewboxDelta, q.Near.Lat+viewboxDelta, q.Near.Lon+viewboxDelta, q.Near.Lat-viewboxDelta))
		v.Set("bounded", "1")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.Endpoint+"/search?"+v.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", n.UserAgent)
	resp, err := n.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nominatim: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nominatim: unexpected status %d", resp.StatusCode)
	}
	// Nominatim returns lat/lon as strings.
	var out []struct {
		Lat         string `json:"lat"`
		Lon         string `json:"lon"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("nominatim: %w", err)
	}
	places := make([]models.Place, 0, len(out))
	for _, p := range out {
		lat, err1 := strconv.ParseFloat(p.Lat, 64)
		lon, err2 := strconv.ParseFloat(p.Lon, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		places = append(places, models.Place{Lat: lat, Lon: lon, DisplayName: p.DisplayName})
	}
	if len(places) == 0 {
		return nil, fmt.Errorf("nominatim: %w", ErrNoResults)
	}
	return places, nil
}

// Fallback asks Primary first and Secondary when Primary fails or finds
// nothing.
type Fallback struct {
	Primary   Geocoder
	Secondary Geocoder
	Logger    *slog.Logger
}

func (f *Fallback) Search(ctx context.Context, q Query) ([]models.Place, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, errors.New("query text is required")
	}
	places, err := f.Primary.Search(ctx, q)
	if err == nil {
		return places, nil
	}
	if f.Logger != nil {
		f.Logger.Warn("primary geocoder failed, using fallback", "err", err)
	}
	observability.ProviderFallbacks.WithLabelValues("geocode").Inc()
	places, ferr := f.Secondary.Search(ctx, q)
	if ferr != nil {
		return nil, errors.Join(err, ferr)
	}
	return places, nil
}

func limitOr(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}
