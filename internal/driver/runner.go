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
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

// DefaultCandidateTimeout is how long a candidate stays on screen without a
// decision.
const DefaultCandidateTimeout = 20 * time.Second

var (
	ErrNotPresented = errors.New("ride is not the presented candidate")
	ErrNoActiveRide = errors.New("no active ride")
	ErrBusy         = errors.New("driver already has an active ride")
)

// Runner hosts the matching reducer for one driver. It feeds the reducer
// from the session, the Requested-ride feed and the driver's own assigned
// rides, and arms the per-presentation timeout. The timeout is advisory;
// only the store's conditional write decides a claim.
type Runner struct {
	driver   ride.Party
	session  *Session
	rides    *ride.Service
	clock    clock.Clock
	notifier dispatch.Notifier
	logger   *slog.Logger
	timeout  time.Duration

	mu       sync.Mutex
	state    matcher.State
	active   *models.Ride
	claiming bool // an Accept is in flight
	timer    clock.Timer
	seq      int
}

type RunnerOption func(*Runner)

func WithRadius(km float64) RunnerOption { return func(r *Runner) { r.state = matcher.NewState(km) } }

func WithCandidateTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithRunnerClock(c clock.Clock) RunnerOption { return func(r *Runner) { r.clock = c } }

func WithRunnerNotifier(n dispatch.Notifier) RunnerOption {
	return func(r *Runner) { r.notifier = n }
}

func WithRunnerLogger(l *slog.Logger) RunnerOption { return func(r *Runner) { r.logger = l } }

func NewRunner(driver ride.Party, session *Session, rides *ride.Service, opts ...RunnerOption) *Runner {
	r := &Runner{
		driver:   driver,
		session:  session,
		rides:    rides,
		clock:    clock.Real(),
		notifier: dispatch.Nop{},
		logger:   slog.Default(),
		timeout:  DefaultCandidateTimeout,
		state:    matcher.NewState(matcher.DefaultRadiusKm),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Runner) Driver() ride.Party { return r.driver }

// Run reconciles the reducer with its inputs until ctx ends.
func (r *Runner) Run(ctx context.Context) error {
	requested, err := r.rides.Watch(ctx, storage.Query{Statuses: []models.RideStatus{models.StatusRequested}})
	if err != nil {
		return fmt.Errorf("watch requested rides: %w", err)
	}
	mine, err := r.rides.Watch(ctx, storage.Query{
		DriverID: r.driver.ID,
		Statuses: []models.RideStatus{models.StatusAccepted, models.StatusInProgress},
	})
	if err != nil {
		return fmt.Errorf("watch assigned rides: %w", err)
	}
	status := r.session.Subscribe(ctx)

	defer r.stopTimer()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-status:
			if !ok {
				return ctx.Err()
			}
			r.onStatus(ctx, st)
		case snap, ok := <-requested:
			if !ok {
				return ctx.Err()
			}
			r.apply(ctx, matcher.RidesChanged{Rides: snap})
		case snap, ok := <-mine:
			if !ok {
				return ctx.Err()
			}
			r.onAssigned(ctx, snap)
		}
	}
}

func (r *Runner) onStatus(ctx context.Context, st Status) {
	r.mu.Lock()
	cur := r.state
	r.mu.Unlock()

	if st.Online && (!cur.Online || !cur.OnlineSince.Equal(st.OnlineSince)) {
		r.apply(ctx, matcher.WentOnline{At: st.OnlineSince})
	}
	if !st.Online && cur.Online {
		r.apply(ctx, matcher.WentOffline{})
		return
	}
	switch {
	case st.Position != nil:
		r.apply(ctx, matcher.PositionChanged{Position: *st.Position})
	case cur.Position != nil:
		r.apply(ctx, matcher.PositionLost{})
	}
}

// onAssigned tracks the driver's own ride. When it leaves the assigned
// statuses the search state is reset.
func (r *Runner) onAssigned(ctx context.Context, snap []models.Ride) {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()
	if active == nil {
		return
	}
	for i := range snap {
		if snap[i].ID == active.ID {
			latest := snap[i]
			r.mu.Lock()
			if r.active != nil && r.active.ID == latest.ID {
				r.active = &latest
			}
			r.mu.Unlock()
			return
		}
	}
	// The snapshot may predate the claim; confirm with the record itself.
	cur, err := r.rides.Get(ctx, active.ID)
	if err != nil || !cur.Status.Terminal() {
		return
	}
	r.mu.Lock()
	if r.active == nil || r.active.ID != cur.ID {
		r.mu.Unlock()
		return
	}
	r.active = nil
	r.mu.Unlock()
	r.logger.Info("active ride ended", "driver_id", r.driver.ID, "ride_id", cur.ID, "status", cur.Status)
	r.apply(ctx, matcher.Reset{})
}

// apply runs one reducer step and handles a newly presented candidate.
func (r *Runner) apply(ctx context.Context, ev matcher.Event) {
	r.mu.Lock()
	prev := r.state.Displayed
	r.state = matcher.Reduce(r.state, ev)
	next, presented := matcher.Current(r.state)
	changed := r.state.Displayed != prev
	if changed {
		r.stopTimerLocked()
		if presented {
			r.armTimerLocked(next.Ride.ID)
		}
	}
	r.mu.Unlock()

	if changed && presented {
		observability.CandidatesPresented.Inc()
		r.notify(ctx, dispatch.Notification{
			Kind:   dispatch.KindCandidate,
			RideID: next.Ride.ID,
			Title:  "New Ride Request",
			Message: fmt.Sprintf("%s to %s, %.1f km away, fare %.2f",
				next.Ride.Pickup.DisplayName, next.Ride.Dropoff.DisplayName, next.DistanceKm, next.Ride.Fare),
		})
	}
}

func (r *Runner) armTimerLocked(rideID string) {
	r.seq++
	seq := r.seq
	r.timer = r.clock.AfterFunc(r.timeout, func() { r.onTimeout(rideID, seq) })
}

func (r *Runner) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Runner) stopTimer() {
	r.mu.Lock()
	r.stopTimerLocked()
	r.mu.Unlock()
}

func (r *Runner) onTimeout(rideID string, seq int) {
	r.mu.Lock()
	stale := seq != r.seq || r.state.Displayed != rideID
	r.mu.Unlock()
	if stale {
		return
	}
	observability.CandidateTimeouts.Inc()
	r.logger.Debug("candidate timed out", "driver_id", r.driver.ID, "ride_id", rideID)
	r.apply(context.Background(), matcher.TimedOut{RideID: rideID})
}

// Current returns the candidate on screen, if any.
func (r *Runner) Current() (matcher.Candidate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return matcher.Current(r.state)
}

func (r *Runner) State() matcher.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) ActiveRide() (models.Ride, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return models.Ride{}, false
	}
	return *r.active, true
}

func (r *Runner) Reject(ctx context.Context, rideID string) error {
	r.mu.Lock()
	shown := r.state.Displayed == rideID && rideID != ""
	r.mu.Unlock()
	if !shown {
		return ErrNotPresented
	}
	observability.CandidateRejections.Inc()
	r.apply(ctx, matcher.Rejected{RideID: rideID})
	return nil
}

// Accept claims rideID. It may race with the candidate timeout or with the
// ride leaving the view; the store's conditional write settles it. A lost
// race drops the ride from this driver's view and presents the next
// candidate; other failures leave the view unchanged.
func (r *Runner) Accept(ctx context.Context, rideID string) (models.Ride, error) {
	r.mu.Lock()
	if r.active != nil || r.claiming {
		r.mu.Unlock()
		return models.Ride{}, ErrBusy
	}
	r.claiming = true
	r.mu.Unlock()

	claimed, err := r.rides.Claim(ctx, rideID, r.driver)
	r.mu.Lock()
	r.claiming = false
	if err == nil {
		r.active = &claimed
	}
	r.mu.Unlock()
	if errors.Is(err, ride.ErrRideTaken) {
		r.apply(ctx, matcher.ClaimFailed{RideID: rideID})
		return models.Ride{}, err
	}
	if err != nil {
		return models.Ride{}, err
	}
	r.apply(ctx, matcher.ClaimSucceeded{RideID: rideID})
	return claimed, nil
}

// VerifyOTP starts the active ride with the code the rider shows.
func (r *Runner) VerifyOTP(ctx context.Context, code string) (models.Ride, error) {
	active, ok := r.ActiveRide()
	if !ok {
		return models.Ride{}, ErrNoActiveRide
	}
	started, err := r.rides.VerifyOTP(ctx, active.ID, r.driver.ID, code)
	if err != nil {
		return models.Ride{}, err
	}
	r.setActive(started)
	return started, nil
}

// EndRide completes the active ride and resumes searching.
func (r *Runner) EndRide(ctx context.Context) (models.Ride, error) {
	active, ok := r.ActiveRide()
	if !ok {
		return models.Ride{}, ErrNoActiveRide
	}
	done, err := r.rides.Complete(ctx, active.ID, r.driver.ID)
	if err != nil {
		return models.Ride{}, err
	}
	r.finish(ctx)
	return done, nil
}

// CancelRide cancels the active ride from the driver side.
func (r *Runner) CancelRide(ctx context.Context) (models.Ride, error) {
	active, ok := r.ActiveRide()
	if !ok {
		return models.Ride{}, ErrNoActiveRide
	}
	cancelled, err := r.rides.Cancel(ctx, active.ID, r.driver.ID)
	if err != nil {
		return models.Ride{}, err
	}
	r.finish(ctx)
	return cancelled, nil
}

func (r *Runner) setActive(v models.Ride) {
	r.mu.Lock()
	if r.active != nil && r.active.ID == v.ID {
		r.active = &v
	}
	r.mu.Unlock()
}

func (r *Runner) finish(ctx context.Context) {
	r.mu.Lock()
	r.active = nil
	r.mu.Unlock()
	r.apply(ctx, matcher.Reset{})
}

func (r *Runner) notify(ctx context.Context, n dispatch.Notification) {
	n.UserID = r.driver.ID
	n.At = r.clock.Now()
	if err := r.notifier.Notify(ctx, n); err != nil {
		r.logger.Debug("notification not delivered", "driver_id", r.driver.ID, "err", err)
	}
}
