// Package matcher computes, for one online driver, which Requested ride to
// present next. It is a pure reducer: Reduce(state, event) returns the new
// state and never touches the network or the clock.
package matcher

import (
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

const DefaultRadiusKm = 20.0

type Candidate struct {
	Ride       models.Ride `json:"ride"`
	DistanceKm float64     `json:"distance_km"`
}

// State is the driver-local matching view. Treat it as a value; Reduce
// never mutates its input.
type State struct {
	RadiusKm    float64
	Online      bool
	OnlineSince time.Time
	Position    *models.Coord

	Requested  []models.Ride
	Rejected   map[string]struct{}
	Candidates []Candidate
	Cursor     int
	// Displayed is the id of the ride currently presented, "" if none.
	Displayed string
	// Active is the ride this driver has claimed and not yet finished.
	Active string
}

func NewState(radiusKm float64) State {
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	return State{RadiusKm: radiusKm, Rejected: map[string]struct{}{}}
}

type Event interface{ isEvent() }

type (
	WentOnline      struct{ At time.Time }
	WentOffline     struct{}
	PositionChanged struct{ Position models.Coord }
	// PositionLost means the sensor no longer has a fix.
	PositionLost   struct{}
	RidesChanged   struct{ Rides []models.Ride }
	Rejected       struct{ RideID string }
	TimedOut       struct{ RideID string }
	ClaimSucceeded struct{ RideID string }
	ClaimFailed    struct{ RideID string }
	// Reset clears the search state once the active ride ends.
	Reset struct{}
)

func (WentOnline) isEvent()      {}
func (WentOffline) isEvent()     {}
func (PositionChanged) isEvent() {}
func (PositionLost) isEvent()    {}
func (RidesChanged) isEvent()    {}
func (Rejected) isEvent()        {}
func (TimedOut) isEvent()        {}
func (ClaimSucceeded) isEvent()  {}
func (ClaimFailed) isEvent()     {}
func (Reset) isEvent()           {}

func (s State) clone() State {
	rejected := make(map[string]struct{}, len(s.Rejected))
	for id := range s.Rejected {
		rejected[id] = struct{}{}
	}
	s.Rejected = rejected
	return s
}

func Reduce(s State, ev Event) State {
	s = s.clone()
	switch e := ev.(type) {
	case WentOnline:
		s.Online = true
		s.OnlineSince = e.At
	case WentOffline:
		s.Online = false
		s.OnlineSince = time.Time{}
		s.Position = nil
	case PositionChanged:
		p := e.Position
		s.Position = &p
	case PositionLost:
		s.Position = nil
	case RidesChanged:
		s.Requested = e.Rides
	case Rejected:
		s = advance(s, e.RideID)
	case TimedOut:
		s = advance(s, e.RideID)
	case ClaimSucceeded:
		s.Active = e.RideID
	case ClaimFailed:
		s.Rejected[e.RideID] = struct{}{}
	case Reset:
		s.Active = ""
		s.Rejected = map[string]struct{}{}
		s.Cursor = 0
	}
	return recompute(s)
}

// advance moves past the displayed ride. Only when it was the last in the
// list is it remembered as rejected, and the cursor wraps to the start.
func advance(s State, rideID string) State {
	if rideID == "" || rideID != s.Displayed {
		return s
	}
	if s.Cursor < len(s.Candidates)-1 {
		s.Cursor++
		s.Displayed = s.Candidates[s.Cursor].Ride.ID
		return s
	}
	s.Rejected[rideID] = struct{}{}
	s.Cursor = 0
	s.Displayed = ""
	return s
}

// Candidates filters and ranks rides for a driver at pos who went online at
// since. Exposed for stateless callers such as the HTTP API.
func Candidates(rides []models.Ride, pos models.Coord, since time.Time, radiusKm float64, rejected map[string]struct{}) []Candidate {
	out := make([]Candidate, 0, len(rides))
	for _, r := range rides {
		if r.Status != models.StatusRequested || r.Claimed() {
			continue
		}
		if r.CreatedAt.Before(since) {
			continue
		}
		if _, ok := rejected[r.ID]; ok {
			continue
		}
		d := geo.DistanceKm(pos, r.Pickup.Coord())
		if d >= radiusKm {
			continue
		}
		out = append(out, Candidate{Ride: r, DistanceKm: d})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out
}

func recompute(s State) State {
	if !s.Online || s.Position == nil {
		s.Candidates = nil
		s.Cursor = 0
		s.Displayed = ""
		return s
	}
	s.Candidates = Candidates(s.Requested, *s.Position, s.OnlineSince, s.RadiusKm, s.Rejected)

	idx := -1
	if s.Displayed != "" {
		for i, c := range s.Candidates {
			if c.Ride.ID == s.Displayed {
				idx = i
				break
			}
		}
	}
	switch {
	case idx >= 0:
		s.Cursor = idx
	case s.Cursor >= len(s.Candidates) || s.Displayed != "":
		s.Cursor = 0
	}
	s.Displayed = ""
	if s.Active == "" && len(s.Candidates) > 0 {
		s.Displayed = s.Candidates[s.Cursor].Ride.ID
	}
	return s
}

// Current returns the one candidate to present, if any.
func Current(s State) (Candidate, bool) {
	if s.Active != "" || s.Displayed == "" || s.Cursor >= len(s.Candidates) {
		return Candidate{}, false
	}
	return s.Candidates[s.Cursor], true
}
