// Package main provides the audit API service entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-hpkb/internal/api/handlers"
	"github.com/drfirst/go-hpkb/internal/api/middleware"
	"github.com/drfirst/go-hpkb/internal/config"
	"github.com/drfirst/go-hpkb/internal/domain/audit"
	"github.com/drfirst/go-hpkb/internal/infrastructure/postgres"
	"github.com/drfirst/go-hpkb/internal/infrastructure/redpanda"
	"github.com/drfirst/go-hpkb/internal/maintenance"
	"github.com/drfirst/go-hpkb/internal/observability/logging"
	"github.com/drfirst/go-hpkb/internal/observability/metrics"
	"github.com/drfirst/go-hpkb/internal/observability/tracing"
	"github.com/drfirst/go-hpkb/pkg/idempotency"
)

const serviceName = "audit-api"

func main() {
	settings := flag.String("config", "", "settings file")
	flag.Parse()

	cfg, err := config.Load(*settings)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.Must(cfg.LogLevel, cfg.Env)
	defer logger.Sync()

	if err := cfg.Validate(config.NeedDatabase, config.NeedHTTP); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx := context.Background()

	tp, err := tracing.Init(ctx, tracing.FromConfig(cfg, serviceName))
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	pool, err := postgres.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	m := metrics.New()

	// Initialize repositories and the audit service
	rules := postgres.NewRuleRepository(pool, logger)
	reports := postgres.NewReportRepository(pool, redpanda.TopicAuditReports, logger)
	engine := audit.NewEngine(audit.Config{
		IncludeCompliant:  cfg.Audit.IncludeCompliant,
		IncludeAdvisories: cfg.Audit.IncludeAdvisories,
		AdvisoryTags:      cfg.Audit.AdvisoryTags,
	}, logger)
	service := audit.NewService(engine, rules, logger,
		audit.WithSink(reports),
		audit.WithMetrics(m))

	inbox := idempotency.New(idempotency.NewPGStore(pool), idempotency.DefaultConfig(), logger)
	auditHandler := handlers.NewAuditHandler(service, reports, rules, inbox, logger)

	limiter := middleware.NewRateLimiter(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst, m)

	scheduler := maintenance.New(time.Minute, logger)
	if err := scheduler.Every(cfg.Outbox.SweepSchedule, "inbox_recover_stale", inbox.RecoverStale); err != nil {
		logger.Fatal("schedule failed", zap.Error(err))
	}
	if err := scheduler.Every("5m", "rate_limit_evict", limiter.Evict); err != nil {
		logger.Fatal("schedule failed", zap.Error(err))
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Setup router
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.HTTP.CORSOrigins))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	// Health and metrics (no auth)
	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeyClients()))
		r.Use(limiter.Handler)
		r.Mount("/", auditHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("tracer shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting audit API", zap.String("port", cfg.HTTP.Port))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":%q}`, serviceName)
}
