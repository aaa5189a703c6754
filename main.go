// api/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"eventsite/api/config"
	"eventsite/api/database"
	"eventsite/api/handlers"
	"eventsite/api/logging"
	"eventsite/api/metrics"
	"eventsite/api/middleware"
	"eventsite/api/query"
	"eventsite/api/reconcile"
	"eventsite/api/rollup"
	"eventsite/api/store"
	"eventsite/api/tracker"
	"eventsite/api/utils"
	"eventsite/api/warehouse"
)

const (
	tokenTTL             = 24 * time.Hour
	recorderDrainTimeout = 10 * time.Second
)

func main() {
	logger := logging.New()
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file loaded", "error", err)
	}
	// Reload so LOG_FORMAT and LOG_LEVEL from .env apply.
	logger = logging.New()
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.GinMode == gin.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Prometheus registry, served at /api/admin/metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// --- PostgreSQL: raw telemetry, aggregates and accounts ---
	dbClient, err := database.NewPostgresDB(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer dbClient.Close()
	if err := database.Migrate(ctx, dbClient.DB); err != nil {
		return err
	}

	// --- ClickHouse: optional event mirror ---
	var (
		sink    tracker.Sink
		counter handlers.EventCounter
	)
	if cfg.WarehouseEnabled() {
		chClient, err := database.NewClickHouseDB(ctx, database.ClickHouseOptions{
			Host:     cfg.ClickHouseHost,
			Port:     cfg.ClickHousePort,
			Database: cfg.ClickHouseDB,
			Username: cfg.ClickHouseUser,
			Password: cfg.ClickHousePassword,
		}, logger)
		if err != nil {
			return err
		}
		defer chClient.Close()
		if err := chClient.MigrateWarehouse(ctx); err != nil {
			return err
		}
		warehouseStore := store.NewWarehouseStore(chClient)
		batcher := warehouse.New(warehouseStore, logger,
			warehouse.WithInterval(cfg.WarehouseFlushInterval),
			warehouse.WithBatchSize(cfg.WarehouseBatchSize),
			warehouse.WithMetrics(m),
		)
		defer batcher.Close()
		sink, counter = batcher, warehouseStore
	} else {
		logger.Info("CLICKHOUSE_HOST not set, event warehouse disabled")
	}

	issuer, err := utils.NewTokenIssuer(cfg.JWTSecret, tokenTTL)
	if err != nil {
		return err
	}

	// --- Stores ---
	sessionStore := store.NewSessionStore(dbClient.DB)
	eventStore := store.NewEventStore(dbClient.DB)
	aggregateStore := store.NewAggregateStore(dbClient.DB)
	userStore := store.NewUserStore(dbClient.DB)

	// --- Telemetry components ---
	clock := quartz.NewReal()
	opts := []tracker.Option{
		tracker.WithWriteTimeout(cfg.EventWriteTimeout),
		tracker.WithMetrics(m),
	}
	tr := tracker.NewTracker(sessionStore, logger, opts...)
	if sink != nil {
		opts = append(opts, tracker.WithSink(sink))
	}
	recorder := tracker.NewRecorder(eventStore, logger, opts...)
	// Registered after the batcher and database closes so it runs before them
	// on every return path.
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), recorderDrainTimeout)
		defer cancel()
		if err := recorder.Close(drainCtx); err != nil {
			logger.Warn("telemetry writes still in flight at shutdown", "error", err)
		}
	}()

	// --- Rollup: daily aggregates, cron for the prior day ---
	engine := rollup.New(aggregateStore, logger, rollup.WithMetrics(m))
	scheduler, err := rollup.NewScheduler(engine, cfg.RollupSchedule)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Close()

	// --- Reconciler: close sessions that went quiet without an end ---
	reconciler := reconcile.New(ctx, sessionStore, logger, cfg.SessionIdleTimeout, cfg.ReconcileInterval,
		reconcile.WithMetrics(m))
	defer reconciler.Close()

	// --- HTTP ---
	r := gin.New()
	r.Use(gin.Recovery(), middleware.CORSMiddleware(cfg.FEOrigin))
	handlers.Routes{
		Auth:    handlers.NewAuthHandlers(userStore, issuer, cfg.IsAdminEmail, logger),
		Track:   handlers.NewTrackHandlers(tr, recorder, logger),
		Stats:   handlers.NewStatsHandlers(query.NewService(aggregateStore), engine, reconciler, counter, clock, logger),
		Issuer:  issuer,
		APIKey:  cfg.AdminAPIKey,
		Logger:  logger,
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}.Register(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine so shutdown can wait on the signal context
	errCh := make(chan error, 1)
	go func() {
		logger.Info("API server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	logger.Info("server exiting")
	return nil
}
