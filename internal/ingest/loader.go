// Package ingest turns reviewed extraction results into the rule tables the
// audit engine reads.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-hpkb/internal/domain/audit"
	"github.com/drfirst/go-hpkb/internal/extraction"
	"github.com/drfirst/go-hpkb/internal/observability/metrics"
	"github.com/drfirst/go-hpkb/pkg/textnorm"
)

// ErrNothingToLoad is returned when a drug has no selected extraction logs
var ErrNothingToLoad = errors.New("no selected extraction logs")

// ruleNamespace seeds the name-based rule IDs, so reloading the same
// extraction yields the same IDs.
var ruleNamespace = uuid.MustParse("6f1c0a52-2f7e-4c1e-9a43-8f5d1f4b7c10")

// LogSource returns the newest selected log of every section of a drug
type LogSource interface {
	LatestSelected(ctx context.Context, drug string) (map[string]*extraction.ExtractionLog, error)
}

// RuleWriter replaces every stored rule of a drug
type RuleWriter interface {
	ReplaceDrugRules(ctx context.Context, drug string, rules *audit.RuleSet) error
}

// Result describes one load
type Result struct {
	Drug     string
	Rules    *audit.RuleSet
	Sections []string
	// Dropped lists the sections and rules that were skipped, with the reason
	Dropped []error
}

// Loader moves reviewed extraction output into the rule store
type Loader struct {
	logs    LogSource
	rules   RuleWriter
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewLoader creates a new loader. metrics may be nil.
func NewLoader(logs LogSource, rules RuleWriter, m *metrics.Metrics, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		logs:    logs,
		rules:   rules,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("ingest"),
	}
}

// LoadDrug rebuilds the rules of drug from its selected extraction logs and
// replaces the stored rules in one transaction.
func (l *Loader) LoadDrug(ctx context.Context, drug string) (*Result, error) {
	drug = textnorm.Name(drug)
	ctx, span := l.tracer.Start(ctx, "load_drug", trace.WithAttributes(attribute.String("drug", drug)))
	defer span.End()

	logs, err := l.logs.LatestSelected(ctx, drug)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("selected logs for %s: %w", drug, err)
	}
	if len(logs) == 0 {
		l.logger.Warn("no selected extraction logs", zap.String("drug", drug))
		return nil, fmt.Errorf("%w: %s", ErrNothingToLoad, drug)
	}

	res := Build(drug, logs)
	for _, d := range res.Dropped {
		l.logger.Warn("dropped during load", zap.String("drug", drug), zap.Error(d))
	}

	if err := l.rules.ReplaceDrugRules(ctx, drug, res.Rules); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "replace rules failed")
		return nil, fmt.Errorf("replace rules for %s: %w", drug, err)
	}

	l.observe(res.Rules)
	span.SetAttributes(
		attribute.Int("rules", res.Rules.Len()),
		attribute.Int("dropped", len(res.Dropped)),
	)
	l.logger.Info("drug loaded",
		zap.String("drug", drug),
		zap.Strings("sections", res.Sections),
		zap.Int("rules", res.Rules.Len()),
		zap.Int("dropped", len(res.Dropped)),
	)
	return res, nil
}

func (l *Loader) observe(rs *audit.RuleSet) {
	if l.metrics == nil {
		return
	}
	l.metrics.RulesLoaded.WithLabelValues(string(audit.RuleContraindication)).Add(float64(len(rs.Contraindications)))
	l.metrics.RulesLoaded.WithLabelValues(string(audit.RuleDosage)).Add(float64(len(rs.Dosages)))
	l.metrics.RulesLoaded.WithLabelValues(string(audit.RuleAllergy)).Add(float64(len(rs.Allergies)))
	l.metrics.RulesLoaded.WithLabelValues(string(audit.RuleInteraction)).Add(float64(len(rs.Interactions)))
	l.metrics.RulesLoaded.WithLabelValues(string(audit.RuleAdvisory)).Add(float64(len(rs.Administration)))
}

// Build converts selected logs into a validated rule set. Sections whose
// output no longer parses, and individual rules that fail validation, are
// dropped and reported in Result.Dropped.
func Build(drug string, logs map[string]*extraction.ExtractionLog) *Result {
	b := &builder{
		drug:         drug,
		rules:        &audit.RuleSet{},
		counts:       make(map[string]int),
		interactions: make(map[string]struct{}),
		allergens:    make(map[string]struct{}),
	}
	res := &Result{Drug: drug, Rules: b.rules}

	for _, section := range extraction.Sections() {
		log, ok := logs[section]
		if !ok {
			continue
		}
		if len(log.CleanedOutput) == 0 {
			res.Dropped = append(res.Dropped, fmt.Errorf("section %s: empty output", section))
			continue
		}
		payload, err := extraction.ParsePayload(section, log.CleanedOutput)
		if err != nil {
			res.Dropped = append(res.Dropped, fmt.Errorf("section %s: %w", section, err))
			continue
		}
		res.Sections = append(res.Sections, section)
		b.add(payload)
	}
	res.Dropped = append(res.Dropped, b.dropped...)
	return res
}

type builder struct {
	drug         string
	rules        *audit.RuleSet
	counts       map[string]int
	interactions map[string]struct{}
	allergens    map[string]struct{}
	dropped      []error
}

func (b *builder) id(kind string) string {
	b.counts[kind]++
	name := b.drug + "/" + kind + "/" + strconv.Itoa(b.counts[kind])
	return uuid.NewSHA1(ruleNamespace, []byte(name)).String()
}

func (b *builder) add(p extraction.Payload) {
	switch p := p.(type) {
	case *extraction.ContraindicationPayload:
		b.contraindications(p.Contraindications)
		for _, a := range p.Allergies {
			substance := textnorm.Name(a.TriggeringSubstance)
			// one rule per (drug, substance)
			if _, dup := b.allergens[substance]; dup {
				b.dropped = append(b.dropped, fmt.Errorf("allergy %s: duplicate substance", substance))
				continue
			}
			r := audit.AllergyRule{
				ID:                  b.id("allergy"),
				Drug:                b.drug,
				TriggeringSubstance: substance,
				SourceText:          a.SourceText,
			}
			if b.keep(r.Validate()) {
				b.allergens[substance] = struct{}{}
				b.rules.Allergies = append(b.rules.Allergies, r)
			}
		}
	case *extraction.SpecialPopulationsPayload:
		b.contraindications(p.Contraindications)
		b.texts(p.Texts)
	case *extraction.DosagePayload:
		for _, e := range p.Rules {
			r := audit.DosageRule{
				ID:         b.id("dosage"),
				Drug:       b.drug,
				Profile:    normalizeProfile(e.PatientProfile),
				Dosage:     e.Dosage,
				SourceText: e.SourceText,
			}
			if b.keep(r.Validate()) {
				b.rules.Dosages = append(b.rules.Dosages, r)
			}
		}
	case *extraction.AdministrationPayload:
		b.texts(p.Texts)
	case *extraction.InteractionPayload:
		for _, e := range p.Interactions {
			r := audit.InteractionDetail{
				InteractionID:          e.InteractionID,
				PrecipitantDrug:        b.drug,
				AffectedTarget:         textnorm.Name(e.AffectedTarget),
				AffectedTargetExamples: textnorm.Names(e.AffectedTargetExamples),
				Severity:               e.Severity,
				EffectSummary:          e.EffectSummary,
				Mechanism:              e.Mechanism,
				ClinicalManagement:     e.ClinicalManagement,
				SourceText:             e.SourceText,
			}
			if r.InteractionID == "" {
				b.dropped = append(b.dropped, errors.New("interaction: empty interaction_id"))
				continue
			}
			if _, dup := b.interactions[r.InteractionID]; dup {
				b.dropped = append(b.dropped, fmt.Errorf("interaction %s: duplicate id", r.InteractionID))
				continue
			}
			if b.keep(r.Validate()) {
				b.interactions[r.InteractionID] = struct{}{}
				b.rules.Interactions = append(b.rules.Interactions, r)
			}
		}
	}
	// metadata, composition and indications feed the knowledge graph only
}

func (b *builder) contraindications(entries []extraction.ContraindicationEntry) {
	for _, e := range entries {
		r := audit.ContraindicationRule{
			ID:         b.id("contraindication"),
			Drug:       b.drug,
			Profile:    normalizeProfile(e.PatientProfile),
			SourceText: e.SourceText,
		}
		if b.keep(r.Validate()) {
			b.rules.Contraindications = append(b.rules.Contraindications, r)
		}
	}
}

func (b *builder) texts(entries []extraction.AdministrationEntry) {
	for i, e := range entries {
		if strings.TrimSpace(e.InstructionText) == "" {
			b.dropped = append(b.dropped, fmt.Errorf("administration text %d: empty instruction_text", i))
			continue
		}
		t := audit.AdministrationText{
			ID:              b.id("administration"),
			Drug:            b.drug,
			Tags:            textnorm.Names(e.Tags),
			InstructionText: e.InstructionText,
			IsComplex:       e.IsComplex,
			Summary:         e.Summary,
		}
		b.rules.Administration = append(b.rules.Administration, t)
	}
}

func (b *builder) keep(err error) bool {
	if err == nil {
		return true
	}
	b.dropped = append(b.dropped, err)
	return false
}

func normalizeProfile(p audit.PatientProfile) audit.PatientProfile {
	p.Sex = textnorm.Ptr(p.Sex)
	p.RenalImpairment = textnorm.Ptr(p.RenalImpairment)
	p.HepaticImpairment = textnorm.Ptr(p.HepaticImpairment)
	p.PregnancyStatus = textnorm.Ptr(p.PregnancyStatus)
	p.LactationStatus = textnorm.Ptr(p.LactationStatus)
	p.OtherConditions = textnorm.Names(p.OtherConditions)
	return p
}
