package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-hpkb/internal/domain/audit"
)

// ErrReportNotFound is returned for an unknown report id
var ErrReportNotFound = audit.ErrReportNotFound

// Outbox event written alongside every stored report
const (
	ReportAggregateType = "audit_report"
	EventReportCreated  = "AuditReportCreated"
)

// ReportEvent is the outbox payload published for a stored report
type ReportEvent struct {
	EventType string        `json:"event_type"`
	Report    *audit.Report `json:"report"`
}

// ReportRepository stores audit reports. Each report is written together
// with an outbox entry so publication survives crashes.
type ReportRepository struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
	tracer trace.Tracer
}

// NewReportRepository creates a new report repository publishing to topic
func NewReportRepository(pool *pgxpool.Pool, topic string, logger *zap.Logger) *ReportRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportRepository{pool: pool, topic: topic, logger: logger, tracer: otel.Tracer("report-repository")}
}

// Record stores a report and its outbox entry in one transaction
func (r *ReportRepository) Record(ctx context.Context, c *audit.PatientCase, report *audit.Report) error {
	ctx, span := r.tracer.Start(ctx, "record_report",
		trace.WithAttributes(
			attribute.String("report_id", report.ID),
			attribute.String("case_id", report.CaseID),
		))
	defer span.End()

	id, err := uuid.Parse(report.ID)
	if err != nil {
		return fmt.Errorf("report id %q: %w", report.ID, err)
	}
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	caseBody, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode case: %w", err)
	}
	event, err := json.Marshal(ReportEvent{EventType: EventReportCreated, Report: report})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO audit_reports (id, case_id, generated_at, report, patient_case)
			VALUES ($1, $2, $3, $4, $5)`,
			id, report.CaseID, report.GeneratedAt, body, caseBody); err != nil {
			return fmt.Errorf("insert report: %w", err)
		}
		return WriteEntry(ctx, tx, &OutboxEntry{
			AggregateID:   report.ID,
			AggregateType: ReportAggregateType,
			EventType:     EventReportCreated,
			Payload:       event,
			KafkaTopic:    r.topic,
			KafkaKey:      report.CaseID,
		})
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Get loads a stored report
func (r *ReportRepository) Get(ctx context.Context, id string) (*audit.Report, error) {
	rid, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrReportNotFound, id)
	}

	var body []byte
	err = r.pool.QueryRow(ctx, `SELECT report FROM audit_reports WHERE id = $1`, rid).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrReportNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load report: %w", err)
	}

	var report audit.Report
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", id, err)
	}
	return &report, nil
}
