package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

func party(id auth.Identity) ride.Party { return ride.Party{ID: id.ID, Name: id.Name} }

// present hides the pickup code from everyone but the rider and admins.
func present(r models.Ride, id auth.Identity) models.Ride {
	if id.Role != auth.RoleAdmin && id.ID != r.RiderID {
		r.OTP = 0
	}
	return r
}

type quoteRequest struct {
	Pickup      models.Place       `json:"pickup"`
	Dropoff     models.Place       `json:"dropoff"`
	VehicleType models.VehicleType `json:"vehicle_type,omitempty"`
}

type quoteOption struct {
	VehicleType models.VehicleType `json:"vehicle_type"`
	Fare        float64            `json:"fare"`
}

type quoteResponse struct {
	DistanceKm float64       `json:"distance_km"`
	Options    []quoteOption `json:"options"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	table := s.rides.Pricing()
	tiers := table.Tiers()
	if req.VehicleType != "" {
		tiers = []models.VehicleType{req.VehicleType}
	}
	resp := quoteResponse{DistanceKm: geo.DistanceKm(req.Pickup.Coord(), req.Dropoff.Coord())}
	for _, t := range tiers {
		fare, err := table.Quote(t, req.Pickup.Coord(), req.Dropoff.Coord())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		resp.Options = append(resp.Options, quoteOption{VehicleType: t, Fare: fare})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	id, err := auth.Require(r.Context(), auth.RoleRider)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var in ride.RequestInput
	if err := decode(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	created, err := s.rides.Request(r.Context(), party(id), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, present(created, id))
}

// handleListRides lists the caller's own rides. Drivers may also list the
// open Requested rides; admins see everything.
func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	q := storage.Query{}
	for _, st := range splitList(r.URL.Query().Get("status")) {
		status := models.RideStatus(st)
		if !status.Valid() {
			s.fail(w, r, &badRequest{msg: "unknown status " + st})
			return
		}
		q.Statuses = append(q.Statuses, status)
	}
	switch id.Role {
	case auth.RoleRider:
		q.RiderID = id.ID
	case auth.RoleDriver:
		if !(len(q.Statuses) == 1 && q.Statuses[0] == models.StatusRequested) {
			q.DriverID = id.ID
		}
	}
	list, err := s.rides.List(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]models.Ride, 0, len(list))
	for _, rd := range list {
		out = append(out, present(rd, id))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	rd, err := s.rides.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	open := rd.Status == models.StatusRequested && id.Role == auth.RoleDriver
	if id.Role != auth.RoleAdmin && id.ID != rd.RiderID && id.ID != rd.DriverID && !open {
		s.fail(w, r, auth.ErrForbidden)
		return
	}
	writeJSON(w, http.StatusOK, present(rd, id))
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	id, err := auth.Require(r.Context(), auth.RoleDriver)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	claimed, err := s.rides.Claim(r.Context(), mux.Vars(r)["id"], party(id))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, present(claimed, id))
}

type startRequest struct {
	OTP string `json:"otp"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id, err := auth.Require(r.Context(), auth.RoleDriver)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req startRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	started, err := s.rides.VerifyOTP(r.Context(), mux.Vars(r)["id"], id.ID, req.OTP)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, present(started, id))
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id, err := auth.Require(r.Context(), auth.RoleDriver)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	done, err := s.rides.Complete(r.Context(), mux.Vars(r)["id"], id.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, present(done, id))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := auth.Require(r.Context(), auth.RoleRider, auth.RoleDriver)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	cancelled, err := s.rides.Cancel(r.Context(), mux.Vars(r)["id"], id.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, present(cancelled, id))
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	id, err := auth.Require(r.Context(), auth.RoleAdmin)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req disputeRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	disputed, err := s.rides.Dispute(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, present(disputed, id))
}

type locationRequest struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (s *Server) handlePutLocation(w http.ResponseWriter, r *http.Request) {
	id, err := auth.Require(r.Context(), auth.RoleDriver)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req locationRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Lat < -90 || req.Lat > 90 || req.Lon < -180 || req.Lon > 180 {
		s.fail(w, r, &badRequest{msg: "coordinates out of range"})
		return
	}
	loc := models.DriverLocation{DriverID: id.ID, Lat: req.Lat, Lon: req.Lon, UpdatedAt: time.Now().UTC()}
	if err := s.feed.Publish(r.Context(), loc); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetLocation(w http.ResponseWriter, r *http.Request) {
	loc, err := s.feed.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	c, err := coordParam(r, "lat", "lon")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	radius := s.radiusKm
	if v := r.URL.Query().Get("radius_km"); v != "" {
		if radius, err = strconv.ParseFloat(v, 64); err != nil || radius <= 0 {
			s.fail(w, r, &badRequest{msg: "invalid radius_km"})
			return
		}
	}
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			s.fail(w, r, &badRequest{msg: "invalid limit"})
			return
		}
	}
	var maxAge time.Duration
	if v := r.URL.Query().Get("max_age"); v != "" {
		if maxAge, err = time.ParseDuration(v); err != nil || maxAge <= 0 {
			s.fail(w, r, &badRequest{msg: "invalid max_age"})
			return
		}
	}
	near, err := s.feed.Nearby(r.Context(), c, radius, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if maxAge > 0 {
		now := time.Now()
		fresh := near[:0]
		for _, n := range near {
			if n.Location.Fresh(now, maxAge) {
				fresh = append(fresh, n)
			}
		}
		near = fresh
	}
	writeJSON(w, http.StatusOK, near)
}

// handleCandidates lists the Requested rides a driver would be offered
// from a position, closest first. The position defaults to the driver's
// last published location. since is the time the driver went online and
// is required: rides requested before it are never offered.
func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	id, err := auth.Require(r.Context(), auth.RoleDriver)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	v := r.URL.Query().Get("since")
	if v == "" {
		s.fail(w, r, &badRequest{msg: "since is required"})
		return
	}
	since, err := time.Parse(time.RFC3339, v)
	if err != nil {
		s.fail(w, r, &badRequest{msg: "invalid since: " + err.Error()})
		return
	}
	var pos models.Coord
	if r.URL.Query().Get("lat") != "" {
		if pos, err = coordParam(r, "lat", "lon"); err != nil {
			s.fail(w, r, err)
			return
		}
	} else {
		loc, err := s.feed.Get(r.Context(), id.ID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		pos = loc.Coord()
	}
	rejected := make(map[string]struct{})
	for _, rid := range splitList(r.URL.Query().Get("exclude")) {
		rejected[rid] = struct{}{}
	}
	open, err := s.rides.List(r.Context(), storage.Query{Statuses: []models.RideStatus{models.StatusRequested}})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	cands := matcher.Candidates(open, pos, since, s.radiusKm, rejected)
	for i := range cands {
		cands[i].Ride = present(cands[i].Ride, id)
	}
	writeJSON(w, http.StatusOK, cands)
}

func coordParam(r *http.Request, latKey, lonKey string) (models.Coord, error) {
	lat, err := strconv.ParseFloat(r.URL.Query().Get(latKey), 64)
	if err != nil || lat < -90 || lat > 90 {
		return models.Coord{}, &badRequest{msg: "invalid " + latKey}
	}
	lon, err := strconv.ParseFloat(r.URL.Query().Get(lonKey), 64)
	if err != nil || lon < -180 || lon > 180 {
		return models.Coord{}, &badRequest{msg: "invalid " + lonKey}
	}
	return models.Coord{Lat: lat, Lon: lon}, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
