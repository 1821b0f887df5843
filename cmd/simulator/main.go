// Command simulator runs a rider and a fleet of drivers in one process
// against the in-memory store and feed, and reports how the rides went.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/driver"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

var center = models.Coord{Lat: 12.97, Lon: 77.59}

type options struct {
	drivers  int
	rides    int
	seed     int64
	timeout  time.Duration
	logLevel string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "simulator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts := options{drivers: 5, rides: 3, seed: time.Now().UnixNano(), timeout: 3 * time.Second, logLevel: "info"}
	flagSet := pflag.NewFlagSet("simulator", pflag.ContinueOnError)
	flagSet.IntVarP(&opts.drivers, "drivers", "d", opts.drivers, "number of drivers online")
	flagSet.IntVarP(&opts.rides, "rides", "n", opts.rides, "rides to book one after another")
	flagSet.Int64Var(&opts.seed, "seed", opts.seed, "random seed for positions")
	flagSet.DurationVar(&opts.timeout, "candidate-timeout", opts.timeout, "how long a driver looks at one candidate")
	flagSet.StringVar(&opts.logLevel, "log-level", opts.logLevel, "debug, info, warn or error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.drivers <= 0 || opts.rides <= 0 {
		return errors.New("--drivers and --rides must be positive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.NewLogger(opts.logLevel)
	report, err := simulate(ctx, opts, logger)
	if err != nil {
		return err
	}
	logger.Info("simulation finished",
		"rides_completed", report.completed,
		"claims_lost", report.claimsLost,
		"rides_by_driver", report.byDriver,
	)
	return nil
}

type report struct {
	completed  int
	claimsLost int
	byDriver   map[string]int
}

func simulate(ctx context.Context, opts options, logger *slog.Logger) (report, error) {
	rng := rand.New(rand.NewSource(opts.seed))
	notes := &dispatch.Recorder{}
	notifier := dispatch.Multi{notes, dispatch.LogNotifier{Logger: logger}}
	feed := location.NewMemoryFeed()
	rides := ride.NewService(storage.NewMemoryStore(), ride.WithNotifier(notifier), ride.WithLogger(logger))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	rep := report{byDriver: make(map[string]int)}
	var mu sync.Mutex
	for i := 0; i < opts.drivers; i++ {
		d := ride.Party{ID: "drv-" + strconv.Itoa(i+1), Name: "Driver " + strconv.Itoa(i+1)}
		start := jitter(rng, center, 0.05)
		sess := driver.NewSession(d.ID, &roamingSensor{start: start, seed: rng.Int63()}, feed,
			driver.WithSessionNotifier(notifier), driver.WithSessionLogger(logger))
		if err := sess.GoOnline(ctx); err != nil {
			return rep, fmt.Errorf("driver %s online: %w", d.ID, err)
		}
		runner := driver.NewRunner(d, sess, rides,
			driver.WithCandidateTimeout(opts.timeout),
			driver.WithRunnerNotifier(notifier),
			driver.WithRunnerLogger(logger))

		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("runner stopped", "driver_id", d.ID, "err", err)
			}
		}()
		go func() {
			defer wg.Done()
			defer sess.GoOffline()
			autopilot(ctx, runner, rides, logger, func() {
				mu.Lock()
				rep.byDriver[d.ID]++
				mu.Unlock()
			})
		}()
	}

	rider := ride.Party{ID: "rider-1", Name: "Asha"}
	bk := booking.NewSession(rider, rides, feed, booking.WithNotifier(notifier), booking.WithLogger(logger))
	for n := 0; n < opts.rides; n++ {
		pickup := place(jitter(rng, center, 0.03), "Pickup "+strconv.Itoa(n+1))
		dropoff := place(jitter(rng, center, 0.1), "Dropoff "+strconv.Itoa(n+1))
		if err := bk.SelectLocations(ctx, &pickup, &dropoff); err != nil {
			return rep, err
		}
		r, err := bk.Confirm(ctx, models.VehicleSedan)
		if err != nil {
			return rep, err
		}
		logger.Info("rider booked", "ride_id", r.ID, "fare", r.Fare)
		if err := bk.Track(ctx); err != nil {
			return rep, fmt.Errorf("track ride %s: %w", r.ID, err)
		}
		final, err := rides.Get(ctx, r.ID)
		if err != nil {
			return rep, err
		}
		if final.Status == models.StatusCompleted {
			rep.completed++
		}
	}

	cancel()
	wg.Wait()
	for _, n := range notes.All() {
		if n.Kind == dispatch.KindCouldNotAccept {
			rep.claimsLost++
		}
	}
	return rep, nil
}

// autopilot accepts whatever is presented, starts the ride with the code
// the rider holds, and completes it.
func autopilot(ctx context.Context, r *driver.Runner, rides *ride.Service, logger *slog.Logger, completed func()) {
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		c, ok := r.Current()
		if !ok {
			continue
		}
		claimed, err := r.Accept(ctx, c.Ride.ID)
		if err != nil {
			if !errors.Is(err, ride.ErrRideTaken) && !errors.Is(err, context.Canceled) {
				logger.Warn("accept failed", "driver_id", r.Driver().ID, "err", err)
			}
			continue
		}
		// the rider reads the code out at pickup
		held, err := rides.Get(ctx, claimed.ID)
		if err != nil {
			continue
		}
		if _, err := r.VerifyOTP(ctx, strconv.Itoa(held.OTP)); err != nil {
			logger.Warn("start failed", "driver_id", r.Driver().ID, "ride_id", claimed.ID, "err", err)
			_, _ = r.CancelRide(ctx)
			continue
		}
		if _, err := r.EndRide(ctx); err != nil {
			logger.Warn("complete failed", "driver_id", r.Driver().ID, "ride_id", claimed.ID, "err", err)
			continue
		}
		completed()
	}
}

// roamingSensor reports a small random walk from start.
type roamingSensor struct {
	start models.Coord
	seed  int64
}

func (s *roamingSensor) Watch(ctx context.Context) (<-chan driver.Fix, error) {
	ch := make(chan driver.Fix, 1)
	rng := rand.New(rand.NewSource(s.seed))
	go func() {
		defer close(ch)
		pos := s.start
		t := time.NewTicker(500 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case ch <- driver.Fix{Lat: pos.Lat, Lon: pos.Lon}:
			case <-ctx.Done():
				return
			}
			select {
			case <-t.C:
				pos = jitter(rng, pos, 0.002)
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func jitter(rng *rand.Rand, c models.Coord, deg float64) models.Coord {
	return models.Coord{
		Lat: c.Lat + (rng.Float64()*2-1)*deg,
		Lon: c.Lon + (rng.Float64()*2-1)*deg,
	}
}

func place(c models.Coord, name string) models.Place {
	return models.Place{Lat: c.Lat, Lon: c.Lon, DisplayName: name}
}
