package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/pflag"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	feedUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_feed_updates_total",
		Help: "Total locations written to the feed",
	})
	feedErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_feed_errors_total",
		Help: "Total feed writes that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, feedUpdates, feedErrors)
}

// LocationSink is the part of the location feed the consumer writes to.
type LocationSink interface {
	Publish(ctx context.Context, loc models.DriverLocation) error
}

// MessageReader is the part of kafka.Reader the loop uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "location-consumer: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	flagSet := pflag.NewFlagSet("location-consumer", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flagSet.StringVar(&cfg.KafkaTopic, "topic", cfg.KafkaTopic, "driver location topic")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	logger := logging.NewLogger(cfg.LogLevel)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	feed := location.NewRedisFeed(rc, cfg.RedisGeoKey, logger)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroupID)
	c := &consumer{reader: r, sink: feed, logger: logger, attempts: cfg.MaxRetries, delay: cfg.RetryBackoff}
	c.loop(ctx)
	logger.Info("shutting down consumer")
	return nil
}

type consumer struct {
	reader   MessageReader
	sink     LocationSink
	logger   *slog.Logger
	attempts int
	delay    time.Duration
	now      func() time.Time
}

const maxBackoff = 30 * time.Second

func (c *consumer) loop(ctx context.Context) {
	backoff := time.Second
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("kafka read error", "err", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		c.handle(ctx, m)
	}
}

func (c *consumer) handle(ctx context.Context, m kafka.Message) {
	msgsConsumed.Inc()
	loc, err := c.decode(m.Value)
	if err != nil {
		msgsInvalid.Inc()
		c.logger.Warn("invalid location message", "offset", m.Offset, "err", err)
		return
	}
	if err := publishWithRetry(ctx, c.sink, loc, c.attempts, c.delay); err != nil {
		feedErrors.Inc()
		c.logger.Error("feed update failed", "driver_id", loc.DriverID, "err", err)
		return
	}
	feedUpdates.Inc()
}

func (c *consumer) decode(b []byte) (models.DriverLocation, error) {
	var loc models.DriverLocation
	if err := json.Unmarshal(b, &loc); err != nil {
		return loc, err
	}
	if loc.DriverID == "" {
		return loc, errors.New("driver_id is required")
	}
	if loc.Lat < -90 || loc.Lat > 90 || loc.Lon < -180 || loc.Lon > 180 {
		return loc, fmt.Errorf("coordinates out of range: %v,%v", loc.Lat, loc.Lon)
	}
	if loc.UpdatedAt.IsZero() {
		now := time.Now
		if c.now != nil {
			now = c.now
		}
		loc.UpdatedAt = now().UTC()
	}
	return loc, nil
}

// publishWithRetry writes loc, doubling delay between failed attempts.
func publishWithRetry(ctx context.Context, sink LocationSink, loc models.DriverLocation, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = sink.Publish(ctx, loc); err == nil {
			return nil
		}
		if i == attempts-1 || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
