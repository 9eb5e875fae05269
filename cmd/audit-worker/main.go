// Package main provides the audit worker entry point. The worker consumes
// cases from the audit request topic and records one report per request.
package main

import (
	"context"
	"encoding/json"
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

	"github.com/drfirst/go-hpkb/internal/caseload"
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

const serviceName = "audit-worker"

func main() {
	settings := flag.String("config", "", "settings file")
	addr := flag.String("addr", ":9102", "health and metrics listen address")
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

	pool, err := postgres.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	m := metrics.New()

	engine := audit.NewEngine(audit.Config{
		IncludeCompliant:  cfg.Audit.IncludeCompliant,
		IncludeAdvisories: cfg.Audit.IncludeAdvisories,
		AdvisoryTags:      cfg.Audit.AdvisoryTags,
	}, logger)
	service := audit.NewService(engine, postgres.NewRuleRepository(pool, logger), logger,
		audit.WithSink(postgres.NewReportRepository(pool, redpanda.TopicAuditReports, logger)),
		audit.WithMetrics(m))

	inbox := idempotency.New(idempotency.NewPGStore(pool), idempotency.DefaultConfig(), logger)
	h := &requestHandler{service: service, inbox: inbox, logger: logger, now: time.Now}

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Kafka.Brokers
	consumerCfg.GroupID = cfg.Kafka.GroupID
	consumerCfg.Workers = cfg.Worker.Workers
	consumerCfg.MaxPollRecords = cfg.Worker.QueueSize
	consumerCfg.Retryable = func(err error) bool { return !idempotency.IsTerminal(err) }

	consumer, err := redpanda.NewConsumer(consumerCfg, h.Handle, m, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	scheduler := maintenance.New(time.Minute, logger)
	if err := scheduler.Every(cfg.Outbox.SweepSchedule, "inbox_recover_stale", inbox.RecoverStale); err != nil {
		logger.Fatal("schedule failed", zap.Error(err))
	}
	if err := scheduler.Every("1h", "inbox_cleanup", inbox.Cleanup); err != nil {
		logger.Fatal("schedule failed", zap.Error(err))
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","service":%q}`, serviceName)
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database not ready", http.StatusServiceUnavailable)
			return
		}
		if err := consumer.Ping(r.Context()); err != nil {
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

	consumer.Start()
	scheduler.Start()
	logger.Info("audit worker started",
		zap.Strings("topics", consumerCfg.Topics),
		zap.String("group", consumerCfg.GroupID),
		zap.Int("workers", consumerCfg.Workers))

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	scheduler.Stop()
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", zap.Error(err))
	}
	stats := consumer.Stats()
	logger.Info("audit worker stopped",
		zap.Int64("messages_read", stats.MessagesRead),
		zap.Int64("errors", stats.ErrorCount),
		zap.Int64("dead_lettered", stats.DeadLettered))
}

// auditor is the part of the audit service the worker uses
type auditor interface {
	Audit(ctx context.Context, c *audit.PatientCase) (*audit.Report, error)
}

type requestHandler struct {
	service auditor
	inbox   *idempotency.Inbox
	logger  *zap.Logger
	now     func() time.Time
}

// Handle audits one request. Requests that can never succeed are returned
// as terminal errors so the consumer dead-letters them without retrying.
func (h *requestHandler) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	cases, err := caseload.Decode(msg.Value, h.now())
	if err != nil {
		return idempotency.Terminal(fmt.Errorf("decode request: %w", err))
	}
	if len(cases) != 1 {
		return idempotency.Terminal(fmt.Errorf("request holds %d cases, want 1", len(cases)))
	}
	c := cases[0]

	key, err := idempotency.Key(c.ID, msg.Value)
	if err != nil {
		return idempotency.Terminal(err)
	}

	res, err := h.inbox.Process(ctx, key, serviceName, msg.Value, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		report, err := h.service.Audit(ctx, c)
		if err != nil {
			if errors.Is(err, audit.ErrNoDrugs) {
				return nil, idempotency.Terminal(err)
			}
			return nil, err
		}
		return json.Marshal(struct {
			ReportID string `json:"report_id"`
		}{report.ID})
	})
	switch {
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		// dead-lettered on first delivery
		h.logger.Info("skipping failed request", zap.String("case_id", c.ID), zap.Int64("offset", msg.Offset))
		return nil
	case err != nil:
		return err
	}

	if !res.IsNew && !res.WasRecovered {
		h.logger.Info("duplicate request", zap.String("case_id", c.ID), zap.ByteString("result", res.Output))
	}
	return nil
}
