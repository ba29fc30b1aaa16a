package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadreserve/internal/analytics"
	"github.com/patrickwarner/openadreserve/internal/api"
	"github.com/patrickwarner/openadreserve/internal/config"
	"github.com/patrickwarner/openadreserve/internal/db"
	"github.com/patrickwarner/openadreserve/internal/logic"
	"github.com/patrickwarner/openadreserve/internal/models"
	"github.com/patrickwarner/openadreserve/internal/observability"
)

func main() {
	cfg := config.Load()

	logger, err := observability.InitLoggerWithService(cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	defer func() {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to sync logger: %v\n", err)
		}
	}()

	if err := run(logger, cfg); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdown, err := observability.InitTracing(ctx, logger, cfg.ServiceName, cfg.TempoEndpoint, cfg.TracingSampleRate)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdown()
	}

	rates, err := logic.NewRateCard(cfg.HeroPriceLadder, cfg.SearchTopDailyRate)
	if err != nil {
		return fmt.Errorf("invalid rate card: %w", err)
	}

	metricsRegistry := observability.NewPrometheusRegistry()

	var store models.ReservationStore
	var redisStore *db.RedisStore
	var audit analytics.AuditService

	if cfg.DevMode {
		// Single-node dev mode: in-memory calendar, no Redis lease, no audit sink.
		logger.Warn("running in dev mode with in-memory store")
		store = models.NewInMemoryStore()
	} else {
		pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
		if err != nil {
			return fmt.Errorf("failed to connect postgres: %w", err)
		}
		defer pg.Close()
		store = pg

		redisStore, err = db.InitRedis(cfg.RedisAddr)
		if err != nil {
			return fmt.Errorf("failed to connect redis: %w", err)
		}
		defer redisStore.Close()

		auditSvc, err := analytics.InitClickHouse(cfg.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("failed to connect clickhouse: %w", err)
		}
		defer func() { _ = auditSvc.Close() }()
		audit = auditSvc
	}

	coordinator := logic.NewCoordinator(store, rates, metricsRegistry, logger,
		cfg.DefaultLockMinutes, cfg.MaxLockMinutes,
		logic.WithAudit(audit), logic.WithCounters(redisStore))
	availability := logic.NewAvailabilityQuery(store, rates, metricsRegistry)

	hostname, _ := os.Hostname()
	instanceID := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	reaper := logic.NewReaper(store, redisStore, metricsRegistry, logger,
		cfg.ReaperInterval, cfg.ReaperBatchSize, cfg.ReaperLockTTL, instanceID)
	go reaper.Run(ctx)

	srvDeps := api.NewServer(logger, store, coordinator, availability, metricsRegistry, cfg)

	r := mux.NewRouter()
	srvDeps.Routes(r)
	r.Handle("/metrics", promhttp.Handler())

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      srvDeps.Handler(r),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	logger.Info("Ad reservation server running", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	return nil
}
