package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/otp"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

var ErrInvalidRequest = errors.New("invalid ride request")

// Party identifies a rider or driver acting on a ride.
type Party struct {
	ID   string
	Name string
}

type RequestInput struct {
	Pickup      models.Place       `json:"pickup"`
	Dropoff     models.Place       `json:"dropoff"`
	VehicleType models.VehicleType `json:"vehicle_type"`
}

// EventSink receives a record of every committed transition.
type EventSink interface {
	PublishRide(ctx context.Context, ev ingest.RideEvent) error
}

type Service struct {
	store    storage.RideStore
	pricing  pricing.Table
	notifier dispatch.Notifier
	events   EventSink
	clock    clock.Clock
	logger   *slog.Logger
	newID    func() string
	newOTP   func() (int, error)
}

type Option func(*Service)

func WithNotifier(n dispatch.Notifier) Option { return func(s *Service) { s.notifier = n } }
func WithEvents(e EventSink) Option           { return func(s *Service) { s.events = e } }
func WithClock(c clock.Clock) Option          { return func(s *Service) { s.clock = c } }
func WithLogger(l *slog.Logger) Option        { return func(s *Service) { s.logger = l } }
func WithPricing(t pricing.Table) Option      { return func(s *Service) { s.pricing = t } }

// WithOTPGenerator replaces the random pickup code source.
func WithOTPGenerator(f func() (int, error)) Option { return func(s *Service) { s.newOTP = f } }

func WithIDGenerator(f func() string) Option { return func(s *Service) { s.newID = f } }

func NewService(store storage.RideStore, opts ...Option) *Service {
	s := &Service{
		store:    store,
		pricing:  pricing.DefaultTable(),
		notifier: dispatch.Nop{},
		clock:    clock.Real(),
		logger:   slog.Default(),
		newID:    uuid.NewString,
		newOTP:   otp.Generate,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Pricing() pricing.Table { return s.pricing }

func missing(p models.Place) bool {
	return p.Lat == 0 && p.Lon == 0 && p.DisplayName == ""
}

// Request quotes the fare and stores a new Requested ride for rider.
func (s *Service) Request(ctx context.Context, rider Party, in RequestInput) (models.Ride, error) {
	if rider.ID == "" {
		return models.Ride{}, fmt.Errorf("%w: rider id is required", ErrInvalidRequest)
	}
	if missing(in.Pickup) || missing(in.Dropoff) {
		return models.Ride{}, fmt.Errorf("%w: pickup and dropoff are required", ErrInvalidRequest)
	}
	fare, err := s.pricing.Quote(in.VehicleType, in.Pickup.Coord(), in.Dropoff.Coord())
	if err != nil {
		return models.Ride{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	r := models.Ride{
		ID:          s.newID(),
		RiderID:     rider.ID,
		RiderName:   rider.Name,
		Pickup:      in.Pickup,
		Dropoff:     in.Dropoff,
		Fare:        fare,
		VehicleType: in.VehicleType,
		Status:      models.StatusRequested,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.store.Create(ctx, &r); err != nil {
		s.logger.Error("create ride failed", "rider_id", rider.ID, "err", err)
		return models.Ride{}, err
	}
	observability.RidesRequested.Inc()
	s.logger.Info("ride requested", "ride_id", r.ID, "rider_id", r.RiderID, "fare", r.Fare)
	s.publish(ctx, "ride_requested", r)
	return r, nil
}

// Claim attempts the Requested to Accepted transition for driver. Losing a
// race returns ErrRideTaken and leaves the stored ride unchanged.
func (s *Service) Claim(ctx context.Context, rideID string, driver Party) (models.Ride, error) {
	code, err := s.newOTP()
	if err != nil {
		return models.Ride{}, fmt.Errorf("generate otp: %w", err)
	}
	start := time.Now()
	r, err := s.store.Update(ctx, rideID, func(r *models.Ride) error {
		return Claim(r, driver.ID, driver.Name, code, s.clock.Now())
	})
	observability.ClaimLatency.Observe(time.Since(start).Seconds())
	switch {
	case errors.Is(err, ErrRideTaken):
		observability.Claims.WithLabelValues("taken").Inc()
		s.logger.Info("claim lost", "ride_id", rideID, "driver_id", driver.ID)
		s.notify(ctx, dispatch.Notification{
			Kind: dispatch.KindCouldNotAccept, UserID: driver.ID, RideID: rideID,
			Title: "Could not accept ride", Message: "This ride may have been taken by another driver.",
		})
		return models.Ride{}, err
	case err != nil:
		observability.Claims.WithLabelValues("error").Inc()
		s.logger.Error("claim failed", "ride_id", rideID, "driver_id", driver.ID, "err", err)
		s.notify(ctx, dispatch.Notification{
			Kind: dispatch.KindCouldNotAccept, UserID: driver.ID, RideID: rideID,
			Title: "Could not accept ride", Message: err.Error(),
		})
		return models.Ride{}, err
	}
	observability.Claims.WithLabelValues("won").Inc()
	s.committed(ctx, "ride_accepted", r,
		dispatch.Notification{
			Kind: dispatch.KindAccepted, UserID: r.RiderID,
			Title:   "Ride Accepted!",
			Message: fmt.Sprintf("%s is on the way. Share OTP %d at pickup.", r.DriverName, r.OTP),
		},
		dispatch.Notification{
			Kind: dispatch.KindAccepted, UserID: r.DriverID,
			Title:   "Ride Accepted",
			Message: fmt.Sprintf("Head to %s to pick up %s.", r.Pickup.DisplayName, r.RiderName),
		},
	)
	return r, nil
}

// VerifyOTP starts the ride when code matches. A mismatch returns
// otp.ErrInvalid and changes nothing.
func (s *Service) VerifyOTP(ctx context.Context, rideID, driverID, code string) (models.Ride, error) {
	r, err := s.store.Update(ctx, rideID, func(r *models.Ride) error {
		return Start(r, driverID, code, s.clock.Now())
	})
	if errors.Is(err, otp.ErrInvalid) {
		observability.OTPChecks.WithLabelValues("invalid").Inc()
		s.notify(ctx, dispatch.Notification{
			Kind: dispatch.KindOTPInvalid, UserID: driverID, RideID: rideID,
			Title: "Invalid OTP", Message: "The entered OTP is incorrect. Please try again.",
		})
		return models.Ride{}, err
	}
	if err != nil {
		s.logger.Warn("start ride failed", "ride_id", rideID, "driver_id", driverID, "err", err)
		return models.Ride{}, err
	}
	observability.OTPChecks.WithLabelValues("ok").Inc()
	s.committed(ctx, "ride_started", r,
		dispatch.Notification{Kind: dispatch.KindStarted, UserID: r.RiderID, Title: "Ride Started", Message: "Enjoy your ride."},
		dispatch.Notification{Kind: dispatch.KindStarted, UserID: r.DriverID, Title: "Ride Started", Message: "OTP verified."},
	)
	return r, nil
}

func (s *Service) Complete(ctx context.Context, rideID, driverID string) (models.Ride, error) {
	r, err := s.store.Update(ctx, rideID, func(r *models.Ride) error {
		return Complete(r, driverID, s.clock.Now())
	})
	if err != nil {
		s.logger.Warn("complete ride failed", "ride_id", rideID, "driver_id", driverID, "err", err)
		return models.Ride{}, err
	}
	msg := fmt.Sprintf("Fare due: %.2f", r.Fare)
	s.committed(ctx, "ride_completed", r,
		dispatch.Notification{Kind: dispatch.KindCompleted, UserID: r.RiderID, Title: "Ride Completed", Message: msg},
		dispatch.Notification{Kind: dispatch.KindCompleted, UserID: r.DriverID, Title: "Ride Completed", Message: msg},
	)
	return r, nil
}

// Cancel is available to the rider before the claim and to either party
// once Accepted.
func (s *Service) Cancel(ctx context.Context, rideID, actorID string) (models.Ride, error) {
	r, err := s.store.Update(ctx, rideID, func(r *models.Ride) error {
		return Cancel(r, actorID, s.clock.Now())
	})
	if err != nil {
		s.logger.Warn("cancel ride failed", "ride_id", rideID, "actor", actorID, "err", err)
		return models.Ride{}, err
	}
	notes := []dispatch.Notification{{
		Kind: dispatch.KindCancelled, UserID: r.RiderID, Title: "Ride Cancelled", Message: "The ride has been cancelled.",
	}}
	if r.DriverID != "" {
		notes = append(notes, dispatch.Notification{
			Kind: dispatch.KindCancelled, UserID: r.DriverID, Title: "Ride Cancelled", Message: "The ride has been cancelled.",
		})
	}
	s.committed(ctx, "ride_cancelled", r, notes...)
	return r, nil
}

// Dispute is the administrative transition out of InProgress.
func (s *Service) Dispute(ctx context.Context, rideID, reason string) (models.Ride, error) {
	r, err := s.store.Update(ctx, rideID, func(r *models.Ride) error {
		return Dispute(r, s.clock.Now())
	})
	if err != nil {
		return models.Ride{}, err
	}
	s.logger.Warn("ride disputed", "ride_id", r.ID, "reason", reason)
	msg := "This ride is under review."
	s.committed(ctx, "ride_disputed", r,
		dispatch.Notification{Kind: dispatch.KindDisputed, UserID: r.RiderID, Title: "Ride Disputed", Message: msg},
		dispatch.Notification{Kind: dispatch.KindDisputed, UserID: r.DriverID, Title: "Ride Disputed", Message: msg},
	)
	return r, nil
}

func (s *Service) Get(ctx context.Context, id string) (models.Ride, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, q storage.Query) ([]models.Ride, error) {
	return s.store.List(ctx, q)
}

func (s *Service) Watch(ctx context.Context, q storage.Query) (<-chan []models.Ride, error) {
	return s.store.Watch(ctx, q)
}

// WatchRide emits the ride on every change. The channel closes when ctx
// ends.
func (s *Service) WatchRide(ctx context.Context, id string) (<-chan models.Ride, error) {
	snaps, err := s.store.Watch(ctx, storage.Query{ID: id})
	if err != nil {
		return nil, err
	}
	out := make(chan models.Ride, 1)
	go func() {
		defer close(out)
		for snap := range snaps {
			if len(snap) == 0 {
				continue
			}
			select {
			case <-out:
			default:
			}
			out <- snap[0]
		}
	}()
	return out, nil
}

func (s *Service) committed(ctx context.Context, event string, r models.Ride, notes ...dispatch.Notification) {
	observability.RideTransitions.WithLabelValues(string(r.Status)).Inc()
	s.logger.Info("ride transition", "ride_id", r.ID, "status", r.Status, "driver_id", r.DriverID, "rider_id", r.RiderID)
	for _, n := range notes {
		n.RideID = r.ID
		s.notify(ctx, n)
	}
	s.publish(ctx, event, r)
}

func (s *Service) notify(ctx context.Context, n dispatch.Notification) {
	if n.At.IsZero() {
		n.At = s.clock.Now()
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Debug("notification not delivered", "kind", n.Kind, "user_id", n.UserID, "err", err)
	}
}

func (s *Service) publish(ctx context.Context, event string, r models.Ride) {
	if s.events == nil {
		return
	}
	ev := ingest.RideEvent{Type: event, RideID: r.ID, Status: string(r.Status), Ride: r, At: s.clock.Now()}
	if err := s.events.PublishRide(ctx, ev); err != nil {
		s.logger.Warn("publish ride event failed", "ride_id", r.ID, "event", event, "err", err)
	}
}
