package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-hpkb/internal/observability/metrics"
)

var (
	// ErrCaseNotFound is returned by case loaders when the source holds no case
	ErrCaseNotFound = errors.New("case not found")
	// ErrNoDrugs is returned when a case prescribes nothing to audit
	ErrNoDrugs = errors.New("case has no prescribed drugs")
	// ErrReportNotFound is returned by report stores for an unknown report id
	ErrReportNotFound = errors.New("report not found")
)

// CaseLoader resolves a case from an opaque source such as a file path or ID
type CaseLoader interface {
	LoadCase(ctx context.Context, source string) (*PatientCase, error)
}

// RuleProvider retrieves every rule scoped to one drug
type RuleProvider interface {
	RulesForDrug(ctx context.Context, drug string) (*RuleSet, error)
}

// Sink receives finished reports
type Sink interface {
	Record(ctx context.Context, c *PatientCase, r *Report) error
}

// Service binds the engine to its collaborators
type Service struct {
	engine  *Engine
	rules   RuleProvider
	loader  CaseLoader
	sink    Sink
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithCaseLoader sets the loader used by AuditSource
func WithCaseLoader(l CaseLoader) ServiceOption {
	return func(s *Service) { s.loader = l }
}

// WithSink sets where reports are recorded
func WithSink(sink Sink) ServiceOption {
	return func(s *Service) { s.sink = sink }
}

// WithMetrics enables Prometheus instrumentation
func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the report timestamp source
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a new audit service
func NewService(engine *Engine, rules RuleProvider, logger *zap.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		engine: engine,
		rules:  rules,
		logger: logger,
		tracer: otel.Tracer("audit-service"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AuditSource loads a case through the configured loader and audits it
func (s *Service) AuditSource(ctx context.Context, source string) (*Report, error) {
	if s.loader == nil {
		return nil, errors.New("no case loader configured")
	}
	c, err := s.loader.LoadCase(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("load case %s: %w", source, err)
	}
	return s.Audit(ctx, c)
}

// Audit fetches rules for every prescribed drug, evaluates the case and
// records the report. When the sink fails the report is still returned
// together with the error.
func (s *Service) Audit(ctx context.Context, c *PatientCase) (*Report, error) {
	ctx, span := s.tracer.Start(ctx, "audit_case",
		trace.WithAttributes(attribute.String("case_id", c.ID)),
	)
	defer span.End()

	start := time.Now()
	drugs := c.DrugNames()
	if len(drugs) == 0 {
		span.SetStatus(codes.Error, ErrNoDrugs.Error())
		return nil, ErrNoDrugs
	}

	rules := &RuleSet{}
	for _, drug := range drugs {
		rs, err := s.rules.RulesForDrug(ctx, drug)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "rule retrieval failed")
			return nil, fmt.Errorf("rules for %s: %w", drug, err)
		}
		rules.Merge(rs)
	}
	span.SetAttributes(
		attribute.Int("drugs", len(drugs)),
		attribute.Int("rules", rules.Len()),
	)

	report := s.engine.EvaluateCase(c, rules)
	report.ID = uuid.New().String()
	report.GeneratedAt = s.now()
	span.SetAttributes(
		attribute.String("report_id", report.ID),
		attribute.Int("findings", len(report.Findings)),
	)

	s.observe(report, time.Since(start))

	s.logger.Info("case audited",
		zap.String("case_id", c.ID),
		zap.String("report_id", report.ID),
		zap.Int("rules", rules.Len()),
		zap.Int("findings", len(report.Findings)),
	)

	if s.sink != nil {
		if err := s.sink.Record(ctx, c, report); err != nil {
			span.RecordError(err)
			s.logger.Error("failed to record report",
				zap.String("report_id", report.ID),
				zap.Error(err),
			)
			return report, fmt.Errorf("record report: %w", err)
		}
	}
	return report, nil
}

func (s *Service) observe(r *Report, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.AuditsTotal.Inc()
	s.metrics.AuditDuration.Observe(elapsed.Seconds())
	for _, f := range r.Findings {
		s.metrics.FindingsTotal.WithLabelValues(string(f.Category), string(f.RuleType)).Inc()
		if f.Category == CategoryDataIntegrity {
			s.metrics.IntegrityDefects.Inc()
		}
	}
}
