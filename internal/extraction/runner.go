package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-hpkb/internal/observability/metrics"
)

// ExtractionLog is one row of the extraction log: a model attempt or a
// manual entry for one section of one document. IsValidJSON and
// IsSchemaValid are nil when no response was received.
type ExtractionLog struct {
	ID                int64
	SourceDocumentID  string
	SectionName       string
	DrugCanonicalName *string
	ModelName         string
	PromptVersion     string
	SystemPrompt      string
	UserPrompt        string
	RequestTimestamp  time.Time
	ResponseTimestamp time.Time
	DurationMS        int64
	OriginalResponse  *string
	CleanedOutput     json.RawMessage
	IsSuccessful      bool
	IsValidJSON       *bool
	IsSchemaValid     *bool
	IsSelected        bool
	ErrorMessage      *string
	ValidationError   *string
	PromptTokens      *int
	CompletionTokens  *int
	TotalTokens       *int
	AttemptNumber     int
	ReviewedBy        *string
}

// LogStore persists extraction attempts
type LogStore interface {
	// FindSelected returns the selected successful log for a document
	// section, or nil when there is none.
	FindSelected(ctx context.Context, documentID, section string) (*ExtractionLog, error)
	Insert(ctx context.Context, log *ExtractionLog) (int64, error)
}

// Outcome labels for the extraction calls metric
const (
	OutcomeSuccess       = "success"
	OutcomeResumed       = "resumed"
	OutcomeInvalidJSON   = "invalid_json"
	OutcomeInvalidSchema = "invalid_schema"
	OutcomeError         = "error"
)

// Result is the outcome of running one task
type Result struct {
	Payload Payload
	Log     *ExtractionLog
	Resumed bool
}

// Runner executes single extraction tasks
type Runner struct {
	llm     Completer
	store   LogStore
	prompts PromptLoader
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewRunner creates a new task runner. metrics may be nil.
func NewRunner(llm Completer, store LogStore, prompts PromptLoader, m *metrics.Metrics, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		llm:     llm,
		store:   store,
		prompts: prompts,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("extraction-runner"),
		now:     time.Now,
	}
}

// Run extracts one section. Unless force is set, a selected successful log
// for the same document and section is returned instead of calling the
// model. Every model attempt is logged, failed or not. A failed attempt
// returns a Result carrying its log together with the error.
func (r *Runner) Run(ctx context.Context, task Task, documentID, inputText string, vars map[string]string, force bool) (*Result, error) {
	section := task.Section()
	ctx, span := r.tracer.Start(ctx, "extract_section",
		trace.WithAttributes(
			attribute.String("document_id", documentID),
			attribute.String("section", section),
		),
	)
	defer span.End()

	if !force {
		res, err := r.resume(ctx, documentID, section)
		if err != nil {
			return nil, err
		}
		if res != nil {
			r.count(section, OutcomeResumed)
			r.logger.Info("extraction skipped, selected log exists",
				zap.String("document_id", documentID),
				zap.String("section", section),
				zap.Int64("log_id", res.Log.ID),
			)
			return res, nil
		}
	}

	systemTmpl, userTmpl, err := r.prompts.Load(task)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", task.Name, err)
	}
	args := make(map[string]string, len(vars)+2)
	for k, v := range vars {
		args[k] = v
	}
	args["input_text"] = inputText
	args["text_to_process"] = inputText
	userPrompt, err := RenderPrompt(userTmpl, args)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", task.Name, err)
	}

	log := &ExtractionLog{
		SourceDocumentID: documentID,
		SectionName:      section,
		ModelName:        r.llm.ModelName(),
		PromptVersion:    task.PromptVersion(),
		SystemPrompt:     systemTmpl,
		UserPrompt:       userPrompt,
		RequestTimestamp: r.now(),
		AttemptNumber:    1,
	}
	if name, ok := vars["drug_canonical_name"]; ok {
		log.DrugCanonicalName = &name
	}

	payload, outcome, runErr := r.attempt(ctx, section, systemTmpl, userPrompt, log)
	r.count(section, outcome)

	id, err := r.store.Insert(ctx, log)
	if err != nil {
		r.logger.Error("failed to record extraction log",
			zap.String("document_id", documentID),
			zap.String("section", section),
			zap.Error(err),
		)
		if runErr == nil {
			runErr = fmt.Errorf("record extraction log: %w", err)
		}
	}
	log.ID = id

	res := &Result{Payload: payload, Log: log}
	if runErr != nil {
		span.RecordError(runErr)
		r.logger.Warn("extraction failed",
			zap.String("document_id", documentID),
			zap.String("section", section),
			zap.String("outcome", outcome),
			zap.Error(runErr),
		)
		return res, runErr
	}

	r.logger.Info("extraction succeeded",
		zap.String("document_id", documentID),
		zap.String("section", section),
		zap.Int64("duration_ms", log.DurationMS),
	)
	return res, nil
}

// attempt calls the model and fills the response half of log
func (r *Runner) attempt(ctx context.Context, section, system, user string, log *ExtractionLog) (Payload, string, error) {
	completion, err := r.llm.Complete(ctx, system, user)
	log.ResponseTimestamp = r.now()
	if err != nil {
		log.ErrorMessage = strPtr(err.Error())
		return nil, OutcomeError, err
	}

	log.DurationMS = completion.Duration.Milliseconds()
	log.OriginalResponse = strPtr(completion.Content)
	log.PromptTokens = intPtr(completion.PromptTokens)
	log.CompletionTokens = intPtr(completion.CompletionTokens)
	log.TotalTokens = intPtr(completion.TotalTokens)
	if completion.Model != "" {
		log.ModelName = completion.Model
	}

	payload, err := DecodePayload(section, []byte(StripFences(completion.Content)))
	if err != nil {
		log.ErrorMessage = strPtr(err.Error())
		var jsonErr *JSONError
		if errors.As(err, &jsonErr) {
			log.IsValidJSON = boolPtr(false)
			return nil, OutcomeInvalidJSON, err
		}
		log.IsValidJSON = boolPtr(true)
		log.IsSchemaValid = boolPtr(false)
		log.ValidationError = strPtr(err.Error())
		return nil, OutcomeInvalidSchema, err
	}

	cleaned, err := json.Marshal(payload)
	if err != nil {
		return nil, OutcomeError, fmt.Errorf("encode payload: %w", err)
	}
	log.CleanedOutput = cleaned
	log.IsSuccessful = true
	log.IsValidJSON = boolPtr(true)
	log.IsSchemaValid = boolPtr(true)
	if meta, ok := payload.(*DrugMetadata); ok {
		log.DrugCanonicalName = strPtr(meta.CanonicalName)
	}
	return payload, OutcomeSuccess, nil
}

func (r *Runner) resume(ctx context.Context, documentID, section string) (*Result, error) {
	existing, err := r.store.FindSelected(ctx, documentID, section)
	if err != nil {
		return nil, fmt.Errorf("find selected log: %w", err)
	}
	if existing == nil {
		return nil, nil
	}
	payload, err := DecodePayload(section, existing.CleanedOutput)
	if err != nil {
		return nil, fmt.Errorf("selected log %d: %w", existing.ID, err)
	}
	return &Result{Payload: payload, Log: existing, Resumed: true}, nil
}

func (r *Runner) count(section, outcome string) {
	if r.metrics != nil {
		r.metrics.ExtractionCalls.WithLabelValues(section, outcome).Inc()
	}
}

// StripFences removes a markdown code fence around a model response
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// drop the info string, e.g. ```json
		s = s[nl+1:]
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
func boolPtr(b bool) *bool    { return &b }
