package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/example/ride-dispatch/internal/geocode"
	"github.com/example/ride-dispatch/internal/models"
)

func (s *Server) handleGeocode(w http.ResponseWriter, r *http.Request) {
	if s.geocoder == nil {
		unavailable(w, "geocoding")
		return
	}
	q := geocode.Query{
		Text:    strings.TrimSpace(r.URL.Query().Get("q")),
		Country: r.URL.Query().Get("country"),
	}
	if q.Text == "" {
		s.fail(w, r, &badRequest{msg: "q is required"})
		return
	}
	if r.URL.Query().Get("lat") != "" {
		c, err := coordParam(r, "lat", "lon")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		q.Near = &c
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(w, r, &badRequest{msg: "invalid limit"})
			return
		}
		q.Limit = n
	}
	places, err := s.geocoder.Search(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, places)
}

// handleRoute answers /route?from=lat,lon&to=lat,lon.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		unavailable(w, "routing")
		return
	}
	from, err := parseLatLon(r.URL.Query().Get("from"))
	if err != nil {
		s.fail(w, r, &badRequest{msg: "invalid from: " + err.Error()})
		return
	}
	to, err := parseLatLon(r.URL.Query().Get("to"))
	if err != nil {
		s.fail(w, r, &badRequest{msg: "invalid to: " + err.Error()})
		return
	}
	route, err := s.router.Route(r.Context(), from, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func parseLatLon(v string) (models.Coord, error) {
	latS, lonS, ok := strings.Cut(v, ",")
	if !ok {
		return models.Coord{}, &badRequest{msg: "want lat,lon"}
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latS), 64)
	if err != nil {
		return models.Coord{}, err
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonS), 64)
	if err != nil {
		return models.Coord{}, err
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return models.Coord{}, &badRequest{msg: "out of range"}
	}
	return models.Coord{Lat: lat, Lon: lon}, nil
}
