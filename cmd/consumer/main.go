// The consumer applies driver telemetry published by the API to the
// driver store, so location freshness does not depend on the API
// process staying ahead of ping volume.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/rescue-dispatch/internal/config"
	"github.com/example/rescue-dispatch/internal/drivers"
	"github.com/example/rescue-dispatch/internal/logging"
	"github.com/example/rescue-dispatch/internal/models"
)

var (
	msgsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rescue_dispatch",
		Name:      "consumer_messages_consumed_total",
		Help:      "Total driver telemetry messages consumed",
	})
	msgsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rescue_dispatch",
		Name:      "consumer_messages_invalid_total",
		Help:      "Total telemetry messages that failed to decode",
	})
	storeUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rescue_dispatch",
		Name:      "consumer_store_updates_total",
		Help:      "Total successful driver store updates",
	})
	storeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rescue_dispatch",
		Name:      "consumer_store_errors_total",
		Help:      "Total driver store update failures after retries",
	})
)

// LocationUpserter is the slice of the driver store the consumer needs.
type LocationUpserter interface {
	Upsert(ctx context.Context, driverID string, p models.Point, active bool) error
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "rescue-dispatch-consumer"
	}

	var store LocationUpserter
	if cfg.PGDSN != "" {
		ps, err := drivers.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("driver store init failed", "error", err)
			os.Exit(1)
		}
		store = ps
		if cfg.RedisAddr != "" {
			store = drivers.WithMirror(ps, drivers.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, logger))
		}
	} else {
		logger.Warn("PG_DSN not set, consuming into an in-memory store")
		store = drivers.NewMemoryStore()
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		logger.Info("metrics listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.KafkaTelemetryTopic,
		GroupID:  group,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	logger.Info("telemetry consumer started",
		"topic", cfg.KafkaTelemetryTopic, "brokers", brokers, "group", group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read failed", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		var ping models.DriverPing
		if err := json.Unmarshal(m.Value, &ping); err != nil || ping.DriverID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid telemetry message", "error", err)
			continue
		}

		if err := applyPingWithRetry(ctx, store, ping, 3, 200*time.Millisecond); err != nil {
			storeErrors.Inc()
			logger.Error("driver store update failed", "driver_id", ping.DriverID, "error", err)
			continue
		}
		storeUpdates.Inc()
	}
}

// applyPingWithRetry upserts one ping with exponential backoff between
// attempts; the last error wins when attempts are exhausted.
func applyPingWithRetry(ctx context.Context, store LocationUpserter, ping models.DriverPing, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = store.Upsert(ctx, ping.DriverID, ping.Location, ping.Active); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}
