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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dash/internal/config"
	"github.com/example/ride-dash/internal/geo"
	"github.com/example/ride-dash/internal/logging"
	"github.com/example/ride-dash/internal/models"
)

var (
	eventsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dash_consumer",
		Name:      "events_consumed_total",
		Help:      "Total ride events consumed",
	})
	eventsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dash_consumer",
		Name:      "events_invalid_total",
		Help:      "Total undecodable ride events",
	})
	redisUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ride_dash_consumer",
		Name:      "redis_updates_total",
		Help:      "Successful driver position index updates",
	}, []string{"op"})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dash_consumer",
		Name:      "redis_errors_total",
		Help:      "Driver position index updates that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(eventsConsumed, eventsInvalid, redisUpdates, redisErrors)
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("config_invalid", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel).With("component", "consumer")

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	index := geo.NewRedisPositions(rc, cfg.RedisGeoKey)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: healthMux(rc), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics_listening", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics_server_stopped", "error", err)
		}
	}()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("consumer_started", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	c := &consumer{index: index, attempts: cfg.RetryAttempts, delay: cfg.RetryDelay, logger: logger}

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("consumer_stopping")
				return
			}
			logger.Warn("kafka_read_failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		c.handleMessage(ctx, m.Value)
	}
}

func healthMux(rc *redis.Client) *http.ServeMux {
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
	return mux
}

// PositionIndex is the driver position index the consumer maintains.
type PositionIndex interface {
	Upsert(ctx context.Context, driverID, rideID string, pos models.Position, at time.Time) error
	Remove(ctx context.Context, driverID string) error
}

type consumer struct {
	index    PositionIndex
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

func (c *consumer) handleMessage(ctx context.Context, raw []byte) {
	eventsConsumed.Inc()
	var ev models.RideEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		eventsInvalid.Inc()
		c.logger.Warn("event_invalid", "error", err)
		return
	}
	op, err := c.apply(ctx, ev)
	if err != nil {
		redisErrors.Inc()
		c.logger.Error("index_update_failed", "ride_id", ev.RideID, "driver_id", ev.DriverID, "type", ev.Type, "error", err)
		return
	}
	if op != "" {
		redisUpdates.WithLabelValues(op).Inc()
	}
}

// apply maps one ride event onto the position index and names the index
// operation it ran, if any.
func (c *consumer) apply(ctx context.Context, ev models.RideEvent) (string, error) {
	switch {
	case ev.Type == models.EventLocationUpdated:
		if ev.DriverID == "" || ev.Position == nil {
			return "", fmt.Errorf("location event for ride %s without driver or position", ev.RideID)
		}
		pos := *ev.Position
		return "upsert", updateWithRetry(ctx, c.attempts, c.delay, func() error {
			return c.index.Upsert(ctx, ev.DriverID, ev.RideID, pos, ev.At)
		})
	case ev.Type == models.EventStatusChanged && ev.Status.Terminal() && ev.DriverID != "":
		return "remove", updateWithRetry(ctx, c.attempts, c.delay, func() error {
			return c.index.Remove(ctx, ev.DriverID)
		})
	}
	return "", nil
}

// updateWithRetry runs fn up to attempts times, doubling delay between
// failures.
func updateWithRetry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
