// Package main provides the outbox relay service entry point.
// It publishes stored audit reports from the outbox table to Redpanda.
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
	"go.uber.org/zap"

	"github.com/drfirst/go-hpkb/internal/config"
	"github.com/drfirst/go-hpkb/internal/infrastructure/postgres"
	"github.com/drfirst/go-hpkb/internal/infrastructure/redpanda"
	"github.com/drfirst/go-hpkb/internal/maintenance"
	"github.com/drfirst/go-hpkb/internal/observability/logging"
	"github.com/drfirst/go-hpkb/internal/observability/metrics"
	"github.com/drfirst/go-hpkb/internal/observability/tracing"
)

const serviceName = "outbox-relay"

func main() {
	settings := flag.String("config", "", "settings file")
	addr := flag.String("addr", ":9103", "health and metrics listen address")
	flag.Parse()

	cfg, err := config.Load(*settings)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.Must(cfg.LogLevel, cfg.Env)
	defer logger.Sync()

	if err := cfg.Validate(config.NeedDatabase, config.NeedKafka); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx := context.Background()

	tp, err := tracing.Init(ctx, tracing.FromConfig(cfg, serviceName))
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	// Connect to database
	pool, err := postgres.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	m := metrics.New()

	// Create Redpanda producer
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Kafka.Brokers

	producer, err := redpanda.NewProducer(producerCfg, m, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Kafka.Brokers))

	// Create outbox processor
	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.BatchSize = cfg.Outbox.BatchSize
	outboxCfg.PollInterval = cfg.Outbox.PollInterval
	outboxCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outbox := postgres.NewOutbox(pool, producer, outboxCfg, m, logger)

	retention := cfg.Outbox.Retention
	scheduler := maintenance.New(time.Minute, logger)
	jobs := []struct {
		name string
		job  maintenance.Job
	}{
		{"outbox_cleanup", func(ctx context.Context) (int64, error) { return outbox.CleanupProcessed(ctx, retention) }},
		{"outbox_dead_letter", outbox.MoveToDeadLetter},
	}
	for _, j := range jobs {
		if err := scheduler.Every(cfg.Outbox.SweepSchedule, j.name, j.job); err != nil {
			logger.Fatal("schedule failed", zap.String("job", j.name), zap.Error(err))
		}
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","service":%q}`, serviceName)
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := producer.Ping(r.Context()); err != nil {
			http.Error(w, "broker not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: *addr, Handler: r, ReadTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
		}
	}()

	// Start processing
	outbox.Start()
	scheduler.Start()
	logger.Info("outbox relay started",
		zap.Duration("poll_interval", outboxCfg.PollInterval),
		zap.String("sweep_schedule", cfg.Outbox.SweepSchedule))

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	scheduler.Stop()
	outbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := producer.Flush(shutdownCtx); err != nil {
		logger.Error("flush failed", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", zap.Error(err))
	}
	stats := producer.Stats()
	logger.Info("outbox relay stopped",
		zap.Int64("messages_sent", stats.MessagesSent),
		zap.Int64("errors", stats.ErrorCount))
}
