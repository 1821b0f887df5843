// Package booking is the rider-side flow: pick locations, pick a tier,
// request, wait for a driver, track them, and reset when the ride ends.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
)

type Stage string

const (
	SelectingLocations Stage = "selecting_locations"
	ChoosingOptions    Stage = "choosing_options"
	Searching          Stage = "searching"
	Assigned           Stage = "assigned"
)

var (
	ErrMissingLocations = errors.New("pickup and dropoff are both required")
	ErrWrongStage       = errors.New("operation not allowed in current stage")
)

// Option is one tier the rider can choose, with its quoted fare.
type Option struct {
	VehicleType models.VehicleType `json:"vehicle_type"`
	Fare        float64            `json:"fare"`
}

// View is what the rider's screen renders for the current stage.
type View struct {
	Stage          Stage         `json:"stage"`
	Pickup         *models.Place `json:"pickup,omitempty"`
	Dropoff        *models.Place `json:"dropoff,omitempty"`
	Ride           *models.Ride  `json:"ride,omitempty"`
	DriverPosition *models.Coord `json:"driver_position,omitempty"`
	ETAMinutes     *int          `json:"eta_minutes,omitempty"`
}

type Session struct {
	rider    ride.Party
	rides    *ride.Service
	feed     location.Feed
	notifier dispatch.Notifier
	clock    clock.Clock
	logger   *slog.Logger
	speedKmh float64

	mu        sync.Mutex
	stage     Stage
	pickup    *models.Place
	dropoff   *models.Place
	ride      *models.Ride
	driverPos *models.Coord
	eta       *int
}

type SessionOption func(*Session)

func WithNotifier(n dispatch.Notifier) SessionOption { return func(s *Session) { s.notifier = n } }
func WithClock(c clock.Clock) SessionOption          { return func(s *Session) { s.clock = c } }
func WithLogger(l *slog.Logger) SessionOption        { return func(s *Session) { s.logger = l } }
func WithSpeed(kmh float64) SessionOption            { return func(s *Session) { s.speedKmh = kmh } }

func NewSession(rider ride.Party, rides *ride.Service, feed location.Feed, opts ...SessionOption) *Session {
	s := &Session{
		rider:    rider,
		rides:    rides,
		feed:     feed,
		notifier: dispatch.Nop{},
		clock:    clock.Real(),
		logger:   slog.Default(),
		speedKmh: eta.DefaultSpeedKmh,
		stage:    SelectingLocations,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Session) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{Stage: s.stage, Pickup: s.pickup, Dropoff: s.dropoff, DriverPosition: s.driverPos, ETAMinutes: s.eta}
	if s.ride != nil {
		r := *s.ride
		v.Ride = &r
	}
	return v
}

// SelectLocations moves to ChoosingOptions once both places are known.
func (s *Session) SelectLocations(ctx context.Context, pickup, dropoff *models.Place) error {
	s.mu.Lock()
	if s.stage != SelectingLocations && s.stage != ChoosingOptions {
		s.mu.Unlock()
		return ErrWrongStage
	}
	if pickup == nil || dropoff == nil {
		s.mu.Unlock()
		s.notify(ctx, dispatch.KindMissingLocations, "", "Missing Locations", "Please select both pickup and drop locations.")
		return ErrMissingLocations
	}
	p, d := *pickup, *dropoff
	s.pickup, s.dropoff = &p, &d
	s.stage = ChoosingOptions
	s.mu.Unlock()
	return nil
}

// Back returns from ChoosingOptions to location selection.
func (s *Session) Back() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage != ChoosingOptions {
		return ErrWrongStage
	}
	s.stage = SelectingLocations
	return nil
}

func (s *Session) Quote(tier models.VehicleType) (float64, error) {
	s.mu.Lock()
	pickup, dropoff := s.pickup, s.dropoff
	s.mu.Unlock()
	if pickup == nil || dropoff == nil {
		return 0, ErrMissingLocations
	}
	return s.rides.Pricing().Quote(tier, pickup.Coord(), dropoff.Coord())
}

// Options quotes every tier for the selected trip.
func (s *Session) Options() ([]Option, error) {
	table := s.rides.Pricing()
	var out []Option
	for _, tier := range table.Tiers() {
		fare, err := s.Quote(tier)
		if err != nil {
			return nil, err
		}
		out = append(out, Option{VehicleType: tier, Fare: fare})
	}
	return out, nil
}

// Confirm requests the ride. On failure the session goes back to
// ChoosingOptions and the rider is told.
func (s *Session) Confirm(ctx context.Context, tier models.VehicleType) (models.Ride, error) {
	s.mu.Lock()
	if s.stage != ChoosingOptions {
		s.mu.Unlock()
		return models.Ride{}, ErrWrongStage
	}
	if s.pickup == nil || s.dropoff == nil {
		s.mu.Unlock()
		return models.Ride{}, ErrMissingLocations
	}
	in := ride.RequestInput{Pickup: *s.pickup, Dropoff: *s.dropoff, VehicleType: tier}
	s.stage = Searching
	s.mu.Unlock()

	r, err := s.rides.Request(ctx, s.rider, in)
	if err != nil {
		s.mu.Lock()
		s.stage = ChoosingOptions
		s.mu.Unlock()
		s.logger.Warn("ride request failed", "rider_id", s.rider.ID, "err", err)
		s.notify(ctx, dispatch.KindRequestFailed, "", "Request Failed", "Could not request a ride. Please try again.")
		return models.Ride{}, err
	}
	s.mu.Lock()
	if s.stage == Searching {
		s.ride = &r
	}
	s.mu.Unlock()
	return r, nil
}

// Cancel cancels the current ride and resets the session. A failed cancel
// keeps the current stage.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	if (s.stage != Searching && s.stage != Assigned) || s.ride == nil {
		s.mu.Unlock()
		return ErrWrongStage
	}
	id := s.ride.ID
	s.mu.Unlock()

	if _, err := s.rides.Cancel(ctx, id, s.rider.ID); err != nil {
		s.logger.Warn("cancel failed", "ride_id", id, "rider_id", s.rider.ID, "err", err)
		s.notify(ctx, dispatch.KindError, id, "Could not cancel", err.Error())
		return err
	}
	s.mu.Lock()
	if s.ride != nil && s.ride.ID == id {
		s.resetLocked()
	}
	s.mu.Unlock()
	return nil
}

// HandleRideUpdate applies a new snapshot of the session's ride. It returns
// true once the ride has ended and the session reset.
func (s *Session) HandleRideUpdate(r models.Ride) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ride == nil || s.ride.ID != r.ID {
		return false
	}
	switch {
	case r.Status.Terminal():
		s.logger.Info("ride ended, resetting booking", "ride_id", r.ID, "status", r.Status)
		s.resetLocked()
		return true
	case (r.Status == models.StatusAccepted || r.Status == models.StatusInProgress) && r.DriverID != "":
		s.ride = &r
		s.stage = Assigned
		s.updateETALocked()
	default:
		s.ride = &r
	}
	return false
}

// HandleDriverLocation records the assigned driver's position and ETA.
func (s *Session) HandleDriverLocation(loc models.DriverLocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage != Assigned || s.ride == nil || s.ride.DriverID != loc.DriverID {
		return
	}
	c := loc.Coord()
	s.driverPos = &c
	s.updateETALocked()
}

func (s *Session) updateETALocked() {
	if s.driverPos == nil || s.ride == nil {
		return
	}
	m := eta.Minutes(*s.driverPos, s.ride.Pickup.Coord(), s.speedKmh)
	s.eta = &m
}

func (s *Session) resetLocked() {
	s.stage = SelectingLocations
	s.pickup = nil
	s.dropoff = nil
	s.ride = nil
	s.driverPos = nil
	s.eta = nil
}

// Track follows the session's ride and, once a driver is assigned, the
// driver's location, until the ride ends or ctx is done.
func (s *Session) Track(ctx context.Context) error {
	s.mu.Lock()
	if s.ride == nil {
		s.mu.Unlock()
		return ErrWrongStage
	}
	rideID := s.ride.ID
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	updates, err := s.rides.WatchRide(ctx, rideID)
	if err != nil {
		return fmt.Errorf("watch ride %s: %w", rideID, err)
	}

	var positions <-chan models.DriverLocation
	watching := ""
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-updates:
			if !ok {
				return ctx.Err()
			}
			// Cancel may already have reset the session, so the ride's own
			// status decides when tracking ends.
			if s.HandleRideUpdate(r) || (r.ID == rideID && r.Status.Terminal()) {
				return nil
			}
			if r.DriverID != "" && r.DriverID != watching && s.feed != nil {
				ch, err := s.feed.Watch(ctx, r.DriverID)
				if err != nil {
					s.logger.Warn("watch driver location failed", "driver_id", r.DriverID, "err", err)
					continue
				}
				positions, watching = ch, r.DriverID
			}
		case loc, ok := <-positions:
			if !ok {
				positions = nil
				continue
			}
			s.HandleDriverLocation(loc)
		}
	}
}

func (s *Session) notify(ctx context.Context, kind dispatch.Kind, rideID, title, msg string) {
	n := dispatch.Notification{Kind: kind, UserID: s.rider.ID, RideID: rideID, Title: title, Message: msg, At: s.clock.Now()}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Debug("notification not delivered", "rider_id", s.rider.ID, "err", err)
	}
}
