// Package driver holds the driver-side runtime: the online session that
// owns the geolocation lifecycle and the runner that presents ride
// candidates and drives claims.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var ErrGeolocationUnavailable = errors.New("geolocation unavailable")

// Fix is one position sample. A non-nil Err ends the watch.
type Fix struct {
	Lat float64
	Lon float64
	Err error
}

// Sensor emits fixes until ctx ends. Watch fails when the device has no
// usable geolocation.
type Sensor interface {
	Watch(ctx context.Context) (<-chan Fix, error)
}

type Status struct {
	Online      bool          `json:"online"`
	OnlineSince time.Time     `json:"online_since"`
	Position    *models.Coord `json:"position,omitempty"`
}

// Session is the driver's online state. GoOnline starts watching the
// sensor and publishing to the feed; GoOffline stops both.
type Session struct {
	driverID string
	sensor   Sensor
	feed     location.Feed
	notifier dispatch.Notifier
	clock    clock.Clock
	logger   *slog.Logger

	mu     sync.Mutex
	status Status
	gen    int
	cancel context.CancelFunc
	subs   map[chan Status]struct{}
}

type SessionOption func(*Session)

func WithSessionClock(c clock.Clock) SessionOption { return func(s *Session) { s.clock = c } }

func WithSessionNotifier(n dispatch.Notifier) SessionOption {
	return func(s *Session) { s.notifier = n }
}

func WithSessionLogger(l *slog.Logger) SessionOption { return func(s *Session) { s.logger = l } }

func NewSession(driverID string, sensor Sensor, feed location.Feed, opts ...SessionOption) *Session {
	s := &Session{
		driverID: driverID,
		sensor:   sensor,
		feed:     feed,
		notifier: dispatch.Nop{},
		clock:    clock.Real(),
		logger:   slog.Default(),
		subs:     make(map[chan Status]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Session) DriverID() string { return s.driverID }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// GoOnline is a no-op when already online. If the sensor cannot start the
// session stays offline and the driver is notified.
func (s *Session) GoOnline(ctx context.Context) error {
	s.mu.Lock()
	if s.status.Online {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if s.sensor == nil {
		s.locationError(ctx, ErrGeolocationUnavailable)
		return ErrGeolocationUnavailable
	}
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	fixes, err := s.sensor.Watch(watchCtx)
	if err != nil {
		cancel()
		s.locationError(ctx, err)
		return fmt.Errorf("%w: %w", ErrGeolocationUnavailable, err)
	}

	s.mu.Lock()
	if s.status.Online {
		s.mu.Unlock()
		cancel()
		return nil
	}
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.status = Status{Online: true, OnlineSince: s.clock.Now()}
	s.broadcastLocked()
	s.mu.Unlock()

	observability.DriversOnline.Inc()
	s.logger.Info("driver online", "driver_id", s.driverID)
	go s.consume(watchCtx, gen, fixes)
	return nil
}

func (s *Session) GoOffline() {
	s.mu.Lock()
	if !s.status.Online {
		s.mu.Unlock()
		return
	}
	s.offlineLocked()
	s.mu.Unlock()
	s.logger.Info("driver offline", "driver_id", s.driverID)
}

func (s *Session) offlineLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	s.status = Status{}
	observability.DriversOnline.Dec()
	s.broadcastLocked()
}

func (s *Session) consume(ctx context.Context, gen int, fixes <-chan Fix) {
	for {
		select {
		case <-ctx.Done():
			return
		case fix, ok := <-fixes:
			if !ok {
				fix.Err = ErrGeolocationUnavailable
			}
			if fix.Err != nil {
				s.fail(ctx, gen, fix.Err)
				return
			}
			s.record(ctx, gen, models.Coord{Lat: fix.Lat, Lon: fix.Lon})
		}
	}
}

func (s *Session) record(ctx context.Context, gen int, pos models.Coord) {
	s.mu.Lock()
	if s.gen != gen || !s.status.Online {
		s.mu.Unlock()
		return
	}
	s.status.Position = &pos
	s.broadcastLocked()
	s.mu.Unlock()

	loc := models.DriverLocation{DriverID: s.driverID, Lat: pos.Lat, Lon: pos.Lon, UpdatedAt: s.clock.Now()}
	if err := s.feed.Publish(ctx, loc); err != nil {
		s.logger.Error("publish location failed", "driver_id", s.driverID, "err", err)
		return
	}
	observability.LocationUpdates.Inc()
}

// fail forces the session offline after a sensor error.
func (s *Session) fail(ctx context.Context, gen int, err error) {
	s.mu.Lock()
	if s.gen != gen || !s.status.Online {
		s.mu.Unlock()
		return
	}
	s.offlineLocked()
	s.mu.Unlock()
	s.logger.Warn("geolocation lost, driver forced offline", "driver_id", s.driverID, "err", err)
	s.locationError(ctx, err)
}

func (s *Session) locationError(ctx context.Context, err error) {
	n := dispatch.Notification{
		Kind:    dispatch.KindLocationError,
		UserID:  s.driverID,
		Title:   "Location Error",
		Message: "Could not get your location. Please enable location services.",
		At:      s.clock.Now(),
	}
	if nerr := s.notifier.Notify(ctx, n); nerr != nil {
		s.logger.Debug("notification not delivered", "driver_id", s.driverID, "err", nerr)
	}
}

// Subscribe emits the current status and then every change until ctx ends.
// A slow reader only sees the latest status.
func (s *Session) Subscribe(ctx context.Context) <-chan Status {
	ch := make(chan Status, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	ch <- s.status
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

func (s *Session) broadcastLocked() {
	for ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s.status
	}
}
