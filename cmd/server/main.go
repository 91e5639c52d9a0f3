package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/rescue-dispatch/internal/analytics"
	"github.com/example/rescue-dispatch/internal/broadcast"
	"github.com/example/rescue-dispatch/internal/config"
	"github.com/example/rescue-dispatch/internal/dispatch"
	"github.com/example/rescue-dispatch/internal/drivers"
	"github.com/example/rescue-dispatch/internal/eta"
	httpapi "github.com/example/rescue-dispatch/internal/http"
	"github.com/example/rescue-dispatch/internal/ingest"
	"github.com/example/rescue-dispatch/internal/ledger"
	"github.com/example/rescue-dispatch/internal/logging"
	"github.com/example/rescue-dispatch/internal/payments"
	"github.com/example/rescue-dispatch/internal/pricing"
	"github.com/example/rescue-dispatch/internal/riders"
	"github.com/example/rescue-dispatch/internal/rides"
	"github.com/example/rescue-dispatch/internal/sms"
	"github.com/example/rescue-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if cfg.RunMigrations && cfg.PGDSN != "" {
		if err := runMigrations(cfg.PGDSN); err != nil {
			logger.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	// Storage: Postgres when configured, in-memory otherwise.
	var rideStore storage.RideStore
	var ledgerStore ledger.Store
	var driverStore drivers.Store
	var directory riders.Directory

	if cfg.PGDSN != "" {
		rs, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("ride store init failed", "error", err)
			os.Exit(1)
		}
		ls, err := ledger.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("ledger store init failed", "error", err)
			os.Exit(1)
		}
		ps, err := drivers.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("driver store init failed", "error", err)
			os.Exit(1)
		}
		var ds drivers.Store = ps
		if cfg.RedisAddr != "" {
			ds = drivers.WithMirror(ps, drivers.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, logger))
		}
		dir, err := riders.NewPostgresDirectory(cfg.PGDSN)
		if err != nil {
			logger.Error("rider directory init failed", "error", err)
			os.Exit(1)
		}
		rideStore, ledgerStore, driverStore, directory = rs, ls, ds, dir
	} else {
		logger.Warn("PG_DSN not set, using in-memory stores")
		rideStore = storage.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		driverStore = drivers.NewMemoryStore()
		directory = riders.NewStaticDirectory(nil)
	}

	var sink analytics.Sink = analytics.Noop{}
	var telemetry *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		ks := analytics.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaAnalyticsTopic, logger)
		defer ks.Close()
		sink = ks
		telemetry = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTelemetryTopic)
		defer telemetry.Close()
	}

	hub := broadcast.NewHub(16)
	stripeClient := payments.NewStripeClient(cfg.StripeWebhookSecret)
	pricer := &pricing.Calculator{
		Demand:         rideStore,
		Supply:         driverStore,
		Logger:         logger,
		BasePriceCents: cfg.BasePriceCents,
		RadiusMiles:    cfg.SurgeRadiusMiles,
		Sensitivity:    cfg.SurgeSensitivity,
		MaxMultiplier:  cfg.MaxMultiplier,
	}
	sender := &sms.SimSender{From: cfg.SMSFromNumber, Logger: logger}

	rideSvc := rides.NewService(
		rideStore, driverStore,
		dispatch.NewService(driverStore, cfg.DispatchRadiusMiles, logger),
		pricer, stripeClient, sender, directory, hub, sink,
		cfg.MaxTripMiles, cfg.DefaultSpeedMps, logger,
	)
	if cfg.OSRMEndpoint != "" {
		rideSvc.Eta = eta.NewOSRMClient(cfg.OSRMEndpoint)
		rideSvc.EtaCache = eta.NewCache(30 * time.Second)
	}
	reconciler := ledger.NewReconciler(ledgerStore, rideStore, hub, sink, logger)
	matcher := &sms.Matcher{Rides: rideStore, Analytics: sink, Logger: logger}

	api := httpapi.NewServer(
		rideSvc, driverStore, hub, reconciler, matcher,
		stripeClient, telemetry, cfg.KeepaliveInterval, logger,
	)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("dispatch API listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

// runMigrations applies every .sql file under migrations/ in name order.
func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	files, err := filepath.Glob(filepath.Join("migrations", "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := db.Exec(string(b)); err != nil {
			return err
		}
	}
	return nil
}
