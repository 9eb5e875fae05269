// Package handlers provides HTTP handlers for the audit API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-hpkb/internal/api/middleware"
	"github.com/drfirst/go-hpkb/internal/caseload"
	"github.com/drfirst/go-hpkb/internal/domain/audit"
	"github.com/drfirst/go-hpkb/internal/fhir/r5"
	"github.com/drfirst/go-hpkb/pkg/idempotency"
	"github.com/drfirst/go-hpkb/pkg/textnorm"
)

const (
	maxBodyBytes = 1 << 20
	handlerName  = "audit-api"
)

// Auditor evaluates one case
type Auditor interface {
	Audit(ctx context.Context, c *audit.PatientCase) (*audit.Report, error)
}

// ReportStore reads stored reports. Get returns an error wrapping
// audit.ErrReportNotFound for unknown ids.
type ReportStore interface {
	Get(ctx context.Context, id string) (*audit.Report, error)
}

// AuditHandler serves audits and the rules behind them
type AuditHandler struct {
	auditor Auditor
	reports ReportStore
	rules   audit.RuleProvider
	inbox   *idempotency.Inbox
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewAuditHandler creates a new handler. inbox may be nil, in which case
// repeated submissions are audited again.
func NewAuditHandler(auditor Auditor, reports ReportStore, rules audit.RuleProvider, inbox *idempotency.Inbox, logger *zap.Logger) *AuditHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditHandler{
		auditor: auditor,
		reports: reports,
		rules:   rules,
		inbox:   inbox,
		logger:  logger,
		tracer:  otel.Tracer("audit-handler"),
		now:     time.Now,
	}
}

// Routes returns the handler routes
func (h *AuditHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/audits", h.Create)
	r.Get("/audits/{id}", h.Get)
	r.Get("/drugs/{name}/rules", h.Rules)
	return r
}

// Create handles POST /audits. The body is a case document or a FHIR
// Bundle holding one patient.
func (h *AuditHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_audit")
	defer span.End()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		h.jsonError(w, false, "failed to read request body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		h.jsonError(w, false, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	isBundle := caseload.IsBundle(body)
	cases, err := caseload.Decode(body, h.now())
	if err != nil {
		h.jsonError(w, isBundle, err.Error(), statusFor(err))
		return
	}
	if len(cases) != 1 {
		h.jsonError(w, isBundle, "submit exactly one case per request", http.StatusUnprocessableEntity)
		return
	}
	c := cases[0]
	span.SetAttributes(attribute.String("case_id", c.ID), attribute.Bool("fhir", isBundle))

	report, replayed, err := h.audit(ctx, c, body)
	if err != nil {
		h.logger.Error("audit failed",
			zap.String("case_id", c.ID),
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		span.RecordError(err)
		code := statusFor(err)
		msg := err.Error()
		if code == http.StatusInternalServerError {
			msg = "audit failed"
		}
		h.jsonError(w, isBundle, msg, code)
		return
	}

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	h.writeJSON(w, status, report)
}

// audit runs the case through the inbox when one is configured. replayed
// reports whether the report came from an earlier identical request.
func (h *AuditHandler) audit(ctx context.Context, c *audit.PatientCase, body []byte) (*audit.Report, bool, error) {
	if h.inbox == nil {
		report, err := h.auditor.Audit(ctx, c)
		return report, false, err
	}

	key, err := idempotency.Key(c.ID, body)
	if err != nil {
		return nil, false, err
	}
	res, err := h.inbox.Process(ctx, key, handlerName, body, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		report, err := h.auditor.Audit(ctx, c)
		if err != nil {
			if errors.Is(err, audit.ErrNoDrugs) {
				return nil, idempotency.Terminal(err)
			}
			return nil, err
		}
		return json.Marshal(report)
	})
	if err != nil {
		return nil, false, err
	}

	var report audit.Report
	if err := json.Unmarshal(res.Output, &report); err != nil {
		return nil, false, err
	}
	replayed := !res.IsNew && !res.WasRecovered
	return &report, replayed, nil
}

// Get handles GET /audits/{id}
func (h *AuditHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	report, err := h.reports.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, audit.ErrReportNotFound) {
			h.jsonError(w, false, "report not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to load report", zap.String("report_id", id), zap.Error(err))
		h.jsonError(w, false, "failed to load report", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// RulesResponse lists the rules stored for one drug
type RulesResponse struct {
	Drug  string         `json:"drug"`
	Count int            `json:"count"`
	Rules *audit.RuleSet `json:"rules"`
}

// Rules handles GET /drugs/{name}/rules
func (h *AuditHandler) Rules(w http.ResponseWriter, r *http.Request) {
	drug := textnorm.Name(chi.URLParam(r, "name"))
	if drug == "" {
		h.jsonError(w, false, "drug name is required", http.StatusBadRequest)
		return
	}

	rules, err := h.rules.RulesForDrug(r.Context(), drug)
	if err != nil {
		h.logger.Error("failed to load rules", zap.String("drug", drug), zap.Error(err))
		h.jsonError(w, false, "failed to load rules", http.StatusInternalServerError)
		return
	}
	if rules.Len() == 0 {
		h.jsonError(w, false, "no rules for "+drug, http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, RulesResponse{Drug: drug, Count: rules.Len(), Rules: rules})
}

func statusFor(err error) int {
	var me *caseload.MapError
	switch {
	case errors.As(err, &me), errors.Is(err, audit.ErrNoDrugs), errors.Is(err, audit.ErrCaseNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, idempotency.ErrMessageInProgress):
		return http.StatusConflict
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		return http.StatusUnprocessableEntity
	}
	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	if errors.As(err, &syn) || errors.As(err, &typ) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *AuditHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}

// jsonError writes an OperationOutcome for FHIR requests and a plain error
// object otherwise
func (h *AuditHandler) jsonError(w http.ResponseWriter, fhir bool, message string, code int) {
	if !fhir {
		h.writeJSON(w, code, map[string]string{"error": message})
		return
	}
	issue := "processing"
	switch {
	case code == http.StatusBadRequest:
		issue = "structure"
	case code >= http.StatusInternalServerError:
		issue = "exception"
	}
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(r5.NewErrorOutcome(issue, message))
}
