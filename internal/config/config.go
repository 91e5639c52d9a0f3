package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API
// process. Values are primarily loaded from environment variables with
// sane defaults so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers        []string
	KafkaTelemetryTopic string
	KafkaAnalyticsTopic string

	PGDSN string

	// Pricing knobs. PriceFor is advisory input to ride creation; the
	// computed priceCents is frozen on the ride afterwards.
	BasePriceCents   int64
	MaxMultiplier    float64
	SurgeSensitivity float64
	SurgeRadiusMiles float64

	DispatchRadiusMiles float64
	MaxTripMiles        float64
	DefaultSpeedMps     float64

	OSRMEndpoint string

	StripeWebhookSecret string
	SMSFromNumber       string

	KeepaliveInterval time.Duration

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisGeoKey:         "drivers_geo",
		KafkaTelemetryTopic: "driver-locations",
		KafkaAnalyticsTopic: "ride-events",
		BasePriceCents:      5000,
		MaxMultiplier:       2.5,
		SurgeSensitivity:    0.5,
		SurgeRadiusMiles:    10,
		DispatchRadiusMiles: 15,
		MaxTripMiles:        10,
		DefaultSpeedMps:     10,
		KeepaliveInterval:   25 * time.Second,
		LogLevel:            "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTelemetryTopic, "KAFKA_TELEMETRY_TOPIC")
	setStringFromEnv(&cfg.KafkaAnalyticsTopic, "KAFKA_ANALYTICS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setInt64FromEnv(&cfg.BasePriceCents, "BASE_PRICE_CENTS", &errs)
	setFloatFromEnv(&cfg.MaxMultiplier, "SURGE_MAX_MULTIPLIER", &errs)
	setFloatFromEnv(&cfg.SurgeSensitivity, "SURGE_SENSITIVITY", &errs)
	setFloatFromEnv(&cfg.SurgeRadiusMiles, "SURGE_RADIUS_MILES", &errs)
	setFloatFromEnv(&cfg.DispatchRadiusMiles, "DISPATCH_RADIUS_MILES", &errs)
	setFloatFromEnv(&cfg.MaxTripMiles, "MAX_TRIP_MILES", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DISPATCH_DEFAULT_SPEED_MPS", &errs)

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	cfg.StripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")
	setStringFromEnv(&cfg.SMSFromNumber, "SMS_FROM_NUMBER")

	setDurationFromEnv(&cfg.KeepaliveInterval, "STREAM_KEEPALIVE_INTERVAL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.BasePriceCents <= 0 {
		errs = append(errs, fmt.Errorf("BASE_PRICE_CENTS must be > 0"))
	}
	if cfg.MaxMultiplier < 1 {
		errs = append(errs, fmt.Errorf("SURGE_MAX_MULTIPLIER must be >= 1"))
	}
	if cfg.DispatchRadiusMiles <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_MILES must be > 0"))
	}
	if cfg.MaxTripMiles <= 0 {
		errs = append(errs, fmt.Errorf("MAX_TRIP_MILES must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
