package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/drfirst/go-hpkb/internal/observability/metrics"
)

type stubRules struct {
	byDrug map[string]*RuleSet
	calls  []string
	err    error
}

func (s *stubRules) RulesForDrug(_ context.Context, drug string) (*RuleSet, error) {
	s.calls = append(s.calls, drug)
	if s.err != nil {
		return nil, s.err
	}
	return s.byDrug[drug], nil
}

type stubSink struct {
	reports []*Report
	err     error
}

func (s *stubSink) Record(_ context.Context, _ *PatientCase, r *Report) error {
	s.reports = append(s.reports, r)
	return s.err
}

type stubLoader map[string]*PatientCase

func (l stubLoader) LoadCase(_ context.Context, source string) (*PatientCase, error) {
	c, ok := l[source]
	if !ok {
		return nil, ErrCaseNotFound
	}
	return c, nil
}

func TestServiceAudit(t *testing.T) {
	rules := &stubRules{byDrug: map[string]*RuleSet{abemaciclib: testRules()}}
	sink := &stubSink{}
	m := metrics.NewWithRegisterer(prometheus.NewRegistry())
	fixed := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	svc := NewService(NewEngine(DefaultConfig(), nil), rules, nil,
		WithSink(sink), WithMetrics(m), WithClock(func() time.Time { return fixed }))

	c := &PatientCase{
		ID:              "case-1",
		RenalImpairment: String(ImpairmentSevere),
		Prescriptions:   []Prescription{{Drug: abemaciclib}, {Drug: abemaciclib}, {Drug: "酮康唑"}},
	}
	report, err := svc.Audit(context.Background(), c)
	if err != nil {
		t.Fatalf("audit failed: %v", err)
	}
	if len(rules.calls) != 2 {
		t.Errorf("rule lookups = %v, want one per distinct drug", rules.calls)
	}
	if report.ID == "" || !report.GeneratedAt.Equal(fixed) {
		t.Errorf("report identity = %q %v", report.ID, report.GeneratedAt)
	}
	if len(sink.reports) != 1 || sink.reports[0] != report {
		t.Errorf("sink received %d reports", len(sink.reports))
	}
	if got := testutil.ToFloat64(m.AuditsTotal); got != 1 {
		t.Errorf("audits counter = %v", got)
	}
	if got := testutil.ToFloat64(m.FindingsTotal.WithLabelValues(string(CategoryViolation), string(RuleContraindication))); got != 1 {
		t.Errorf("contraindication violations = %v", got)
	}
}

func TestServiceAuditErrors(t *testing.T) {
	boom := errors.New("connection refused")

	svc := NewService(NewEngine(DefaultConfig(), nil), &stubRules{err: boom}, nil)
	if _, err := svc.Audit(context.Background(), &PatientCase{ID: "x"}); !errors.Is(err, ErrNoDrugs) {
		t.Errorf("empty case err = %v, want ErrNoDrugs", err)
	}

	c := &PatientCase{ID: "x", Prescriptions: []Prescription{{Drug: "a"}}}
	if _, err := svc.Audit(context.Background(), c); !errors.Is(err, boom) {
		t.Errorf("retrieval err = %v, want wrapped %v", err, boom)
	}

	sink := &stubSink{err: boom}
	svc = NewService(NewEngine(DefaultConfig(), nil), &stubRules{}, nil, WithSink(sink))
	report, err := svc.Audit(context.Background(), c)
	if !errors.Is(err, boom) {
		t.Errorf("sink err = %v", err)
	}
	if report == nil {
		t.Error("report should be returned when the sink fails")
	}
}

func TestServiceAuditSource(t *testing.T) {
	loader := stubLoader{"case-9": {ID: "case-9", Prescriptions: []Prescription{{Drug: "a"}}}}
	svc := NewService(NewEngine(DefaultConfig(), nil), &stubRules{}, nil, WithCaseLoader(loader))

	report, err := svc.AuditSource(context.Background(), "case-9")
	if err != nil {
		t.Fatalf("audit failed: %v", err)
	}
	if report.Coverage[0].Status != CoverageNoRules {
		t.Errorf("coverage = %+v", report.Coverage)
	}

	if _, err := svc.AuditSource(context.Background(), "missing"); !errors.Is(err, ErrCaseNotFound) {
		t.Errorf("err = %v, want ErrCaseNotFound", err)
	}
}
