package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geocode"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/routing"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ride-dispatch: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	flagSet := pflag.NewFlagSet("ride-dispatch", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flagSet.BoolVar(&cfg.RunMigrations, "migrate", cfg.RunMigrations, "apply the rides schema before serving")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger := logging.NewLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	feed, closeFeed := openFeed(cfg, logger)
	defer closeFeed()

	ws := dispatch.NewWSRegistry()
	notifier := dispatch.Multi{dispatch.LogNotifier{Logger: logger}}
	var outbound dispatch.Multi
	if cfg.WebhookURL != "" {
		outbound = append(outbound, dispatch.NewWebhookNotifier(cfg.WebhookURL, ws))
	} else {
		notifier = append(notifier, ws)
	}
	if cfg.FCMEndpoint != "" {
		outbound = append(outbound, dispatch.NewFCMNotifier(cfg.FCMEndpoint, cfg.FCMKey))
	}
	if len(outbound) > 0 {
		// network deliveries leave the claim and cancel paths
		async := dispatch.NewAsync(outbound, cfg.NotifyQueueSize, cfg.NotifyWorkers, logger)
		defer async.Close()
		notifier = append(notifier, async)
	}

	opts := []ride.Option{
		ride.WithNotifier(notifier),
		ride.WithLogger(logger),
		ride.WithPricing(pricing.DefaultTable().WithSurge(cfg.SurgeMultiplier)),
	}
	if len(cfg.KafkaBrokers) > 0 {
		events := ingest.NewEventPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer events.Close()
		opts = append(opts, ride.WithEvents(events))
	}
	rides := ride.NewService(store, opts...)

	srv := httpapi.NewServer(httpapi.Deps{
		Rides:    rides,
		Feed:     feed,
		Auth:     auth.New(cfg.JWTSecret, cfg.JWTTTL),
		Geocoder: newGeocoder(cfg, logger),
		Router:   newRouter(cfg, logger),
		WS:       ws,
		RadiusKm: cfg.MatchRadiusKm,
		Logger:   logger,
	})
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, trusting X-User-* headers")
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.RideStore, func(), error) {
	if cfg.PGDSN == "" {
		logger.Info("PG_DSN not set, using in-memory ride store")
		return storage.NewMemoryStore(), func() {}, nil
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN,
		storage.WithMaxRetries(cfg.ClaimMaxRetries),
		storage.WithLogger(logger),
	)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RunMigrations {
		if err := ps.Migrate(ctx); err != nil {
			_ = ps.Close()
			return nil, nil, err
		}
		logger.Info("migration applied", "file", "001_create_rides.sql")
	}
	return ps, func() { _ = ps.Close() }, nil
}

func openFeed(cfg config.ServerConfig, logger *slog.Logger) (location.Feed, func()) {
	var feed location.Feed
	closeFn := func() {}
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		feed = location.NewRedisFeed(rc, cfg.RedisGeoKey, logger)
		closeFn = func() { _ = rc.Close() }
	} else {
		logger.Info("REDIS_ADDR not set, using in-memory location feed")
		feed = location.NewMemoryFeed()
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		feed = &ingest.MirrorFeed{Feed: feed, Producer: producer, Logger: logger}
		prev := closeFn
		closeFn = func() {
			_ = producer.Close()
			prev()
		}
	}
	return feed, closeFn
}

func newGeocoder(cfg config.ServerConfig, logger *slog.Logger) geocode.Geocoder {
	nominatim := geocode.NewNominatim(cfg.NominatimURL)
	if cfg.GeoapifyAPIKey == "" {
		return nominatim
	}
	return &geocode.Fallback{
		Primary:   geocode.NewGeoapify(cfg.GeoapifyURL, cfg.GeoapifyAPIKey),
		Secondary: nominatim,
		Logger:    logger,
	}
}

func newRouter(cfg config.ServerConfig, logger *slog.Logger) routing.Router {
	var r routing.Router = routing.NewOSRM(cfg.OSRMURL)
	if cfg.GeoapifyAPIKey != "" {
		r = &routing.Fallback{
			Primary:   routing.NewGeoapify(cfg.GeoapifyURL, cfg.GeoapifyAPIKey),
			Secondary: r,
			Logger:    logger,
		}
	}
	return routing.NewCached(r, cfg.RouteCacheTTL, clock.Real())
}
