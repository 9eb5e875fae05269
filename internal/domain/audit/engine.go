package audit

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Coverage states for a prescribed drug
const (
	CoverageNoRules     = "no_rules_found"
	CoverageNoMatching  = "no_matching_rules"
	CoverageAllPassed   = "all_passed"
	CoverageHasFindings = "findings_present"
)

// DrugCoverage summarises how the rule base covered one prescribed drug
type DrugCoverage struct {
	Drug           string `json:"drug"`
	RulesEvaluated int    `json:"rules_evaluated"`
	RulesApplied   int    `json:"rules_applied"`
	Status         string `json:"status"`
}

// Report is the ordered result of auditing one case
type Report struct {
	ID          string         `json:"report_id,omitempty"`
	CaseID      string         `json:"case_id"`
	GeneratedAt time.Time      `json:"generated_at"`
	Findings    []Finding      `json:"findings"`
	Coverage    []DrugCoverage `json:"coverage"`
}

// CountBy returns the number of findings per category
func (r *Report) CountBy() map[Category]int {
	counts := make(map[Category]int)
	for _, f := range r.Findings {
		counts[f.Category]++
	}
	return counts
}

// Config controls which optional findings the engine emits
type Config struct {
	// IncludeCompliant emits an informational finding for each passing dosage rule
	IncludeCompliant bool
	// IncludeAdvisories surfaces administration texts
	IncludeAdvisories bool
	// AdvisoryTags limits advisories to texts carrying one of these tags. Empty means all.
	AdvisoryTags []string
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		IncludeCompliant:  true,
		IncludeAdvisories: true,
	}
}

// Engine evaluates patient cases against a rule set. It holds no mutable
// state and is safe for concurrent use.
type Engine struct {
	config Config
	logger *zap.Logger
}

// NewEngine creates a new audit engine
func NewEngine(config Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{config: config, logger: logger}
}

// drugTally tracks coverage while a case is evaluated
type drugTally struct {
	evaluated int
	applied   int
	flagged   bool
}

// EvaluateCase runs every rule scoped to a prescribed drug against the case
// and returns the findings in deterministic order. A malformed rule yields a
// data_integrity finding and is otherwise skipped.
func (e *Engine) EvaluateCase(c *PatientCase, rules *RuleSet) *Report {
	if rules == nil {
		rules = &RuleSet{}
	}
	report := &Report{CaseID: c.ID, Findings: []Finding{}}

	drugs := c.DrugNames()
	tallies := make(map[string]*drugTally, len(drugs))
	for _, d := range drugs {
		tallies[d] = &drugTally{}
	}

	emit := func(f Finding, applied bool) {
		report.Findings = append(report.Findings, f)
		t, ok := tallies[f.Drug]
		if !ok {
			return
		}
		if applied {
			t.applied++
		}
		if f.Category != CategoryInformational && f.Category != CategoryNarrativeReview {
			t.flagged = true
		}
	}
	scoped := func(drug string) bool {
		t, ok := tallies[drug]
		if ok {
			t.evaluated++
		}
		return ok
	}

	for _, r := range rules.Contraindications {
		if !scoped(r.Drug) {
			continue
		}
		if err := r.Validate(); err != nil {
			emit(e.integrity(RuleContraindication, r.ID, r.Drug, err), false)
			continue
		}
		for _, f := range e.contraindication(c, r) {
			emit(f, true)
		}
	}

	for _, r := range rules.Dosages {
		if !scoped(r.Drug) {
			continue
		}
		if err := r.Validate(); err != nil {
			emit(e.integrity(RuleDosage, r.ID, r.Drug, err), false)
			continue
		}
		findings, applied := e.dosage(c, r)
		if applied && len(findings) == 0 {
			tallies[r.Drug].applied++
		}
		for i, f := range findings {
			emit(f, i == 0)
		}
	}

	for _, r := range rules.Allergies {
		if !scoped(r.Drug) {
			continue
		}
		if err := r.Validate(); err != nil {
			emit(e.integrity(RuleAllergy, r.ID, r.Drug, err), false)
			continue
		}
		if f, ok := allergy(c, r); ok {
			emit(f, true)
		}
	}

	valid := make([]InteractionDetail, 0, len(rules.Interactions))
	for _, r := range rules.Interactions {
		if !scoped(r.PrecipitantDrug) {
			continue
		}
		if err := r.Validate(); err != nil {
			emit(e.integrity(RuleInteraction, r.InteractionID, r.PrecipitantDrug, err), false)
			continue
		}
		valid = append(valid, r)
	}
	for _, m := range FindInteractions(c, valid) {
		emit(interaction(m), true)
	}

	if e.config.IncludeAdvisories {
		for _, t := range rules.Administration {
			if _, ok := tallies[t.Drug]; !ok || !e.wantAdvisory(t) {
				continue
			}
			emit(advisory(t), false)
		}
	}

	SortFindings(report.Findings)

	for _, d := range drugs {
		t := tallies[d]
		cov := DrugCoverage{Drug: d, RulesEvaluated: t.evaluated, RulesApplied: t.applied}
		switch {
		case t.evaluated == 0:
			cov.Status = CoverageNoRules
		case t.flagged:
			cov.Status = CoverageHasFindings
		case t.applied == 0:
			cov.Status = CoverageNoMatching
		default:
			cov.Status = CoverageAllPassed
		}
		report.Coverage = append(report.Coverage, cov)
	}

	return report
}

func (e *Engine) contraindication(c *PatientCase, r ContraindicationRule) []Finding {
	res := EvaluateProfile(r.Profile, c)
	switch res.Outcome {
	case Match:
		return []Finding{{
			RuleType:    RuleContraindication,
			RuleID:      r.ID,
			Drug:        r.Drug,
			Category:    CategoryViolation,
			Severity:    r.EffectiveSeverity(),
			Explanation: fmt.Sprintf("%s is contraindicated for this patient (%s)", r.Drug, describeProfile(r.Profile)),
			Fields:      res.Matched,
			SourceText:  r.SourceText,
		}}
	case Indeterminate:
		return []Finding{{
			RuleType:    RuleContraindication,
			RuleID:      r.ID,
			Drug:        r.Drug,
			Category:    CategoryIndeterminate,
			Severity:    r.EffectiveSeverity(),
			Explanation: fmt.Sprintf("contraindication for %s cannot be ruled out: missing %s", r.Drug, strings.Join(res.Missing, ", ")),
			Fields:      res.Missing,
			SourceText:  r.SourceText,
		}}
	}
	return nil
}

// dosage reports whether the rule applied alongside its findings, since a
// passing check may emit nothing.
func (e *Engine) dosage(c *PatientCase, r DosageRule) ([]Finding, bool) {
	res := EvaluateProfile(r.Profile, c)
	switch res.Outcome {
	case NoMatch:
		return nil, false
	case Indeterminate:
		return []Finding{{
			RuleType:    RuleDosage,
			RuleID:      r.ID,
			Drug:        r.Drug,
			Category:    CategoryIndeterminate,
			Severity:    SeverityModerate,
			Explanation: fmt.Sprintf("cannot tell whether dosage rule applies to %s: missing %s", r.Drug, strings.Join(res.Missing, ", ")),
			Fields:      res.Missing,
			SourceText:  r.SourceText,
		}}, true
	}

	var findings []Finding
	for _, rx := range c.Prescriptions {
		if rx.Drug != r.Drug {
			continue
		}
		dr := CheckDosage(r.Dosage, rx)
		f := Finding{
			RuleType:   RuleDosage,
			RuleID:     r.ID,
			Drug:       r.Drug,
			SourceText: r.SourceText,
			Fields:     dr.Fields(),
		}
		switch dr.Verdict {
		case Compliant:
			if !e.config.IncludeCompliant {
				continue
			}
			f.Category = CategoryInformational
			f.Severity = SeverityInformational
			f.Fields = dr.Checked
			f.Explanation = fmt.Sprintf("%s dosage within envelope", r.Drug)
		case DosageIndeterminate:
			f.Category = CategoryIndeterminate
			f.Severity = SeverityModerate
			f.Explanation = fmt.Sprintf("%s dosage cannot be checked: %s", r.Drug, issueText(dr))
		case NonCompliant:
			f.Category = CategoryViolation
			f.Severity = SeverityModerate
			f.Explanation = fmt.Sprintf("%s dosage outside envelope: %s", r.Drug, issueText(dr))
		case DataMismatch:
			f.Category = CategoryDataMismatch
			f.Severity = SeverityModerate
			f.Explanation = fmt.Sprintf("%s dosage units incompatible: %s", r.Drug, issueText(dr))
		}
		findings = append(findings, f)
	}
	return findings, true
}

func allergy(c *PatientCase, r AllergyRule) (Finding, bool) {
	f := Finding{
		RuleType:   RuleAllergy,
		RuleID:     r.ID,
		Drug:       r.Drug,
		Fields:     []string{"allergies"},
		SourceText: r.SourceText,
	}
	switch {
	case c.Allergies == nil:
		f.Category = CategoryIndeterminate
		f.Severity = SeverityModerate
		f.Explanation = fmt.Sprintf("allergy history unknown; %s is contraindicated for patients allergic to %s", r.Drug, r.TriggeringSubstance)
		return f, true
	case c.HasAllergy(r.TriggeringSubstance):
		f.Category = CategoryViolation
		f.Severity = SeveritySevere
		f.Explanation = fmt.Sprintf("patient is allergic to %s, which contraindicates %s", r.TriggeringSubstance, r.Drug)
		return f, true
	}
	return Finding{}, false
}

// interaction expects a record that passed Validate, which rejects any
// severity ParseSeverity does not know.
func interaction(m InteractionMatch) Finding {
	sev, _ := ParseSeverity(m.Detail.Severity)
	expl := fmt.Sprintf("%s interacts with %s: %s", m.Precipitant, m.Target, m.Detail.EffectSummary)
	if m.Detail.ClinicalManagement != "" {
		expl += "; " + m.Detail.ClinicalManagement
	}
	fields := []string{"affected_target_name"}
	if m.ViaExample {
		fields = []string{"affected_target_examples"}
	}
	if m.ViaCondition {
		fields = append(fields, "conditions")
	}
	return Finding{
		RuleType:    RuleInteraction,
		RuleID:      m.Detail.InteractionID,
		Drug:        m.Precipitant,
		Category:    CategoryWarning,
		Severity:    sev,
		Explanation: expl,
		Fields:      fields,
		SourceText:  m.Detail.SourceText,
	}
}

func advisory(t AdministrationText) Finding {
	f := Finding{
		RuleType:    RuleAdvisory,
		RuleID:      t.ID,
		Drug:        t.Drug,
		Category:    CategoryInformational,
		Severity:    SeverityInformational,
		Explanation: t.Summary,
		Fields:      t.Tags,
		SourceText:  t.InstructionText,
	}
	if f.Explanation == "" {
		f.Explanation = t.InstructionText
	}
	if t.IsComplex {
		f.Category = CategoryNarrativeReview
	}
	return f
}

func (e *Engine) wantAdvisory(t AdministrationText) bool {
	if len(e.config.AdvisoryTags) == 0 {
		return true
	}
	for _, tag := range t.Tags {
		if contains(e.config.AdvisoryTags, tag) {
			return true
		}
	}
	return false
}

func (e *Engine) integrity(rt RuleType, id, drug string, err error) Finding {
	e.logger.Warn("skipping malformed rule",
		zap.String("rule_type", string(rt)),
		zap.String("rule_id", id),
		zap.String("drug", drug),
		zap.Error(err),
	)
	return Finding{
		RuleType:    rt,
		RuleID:      id,
		Drug:        drug,
		Category:    CategoryDataIntegrity,
		Severity:    SeverityInformational,
		Explanation: err.Error(),
	}
}

func issueText(dr DosageResult) string {
	parts := make([]string, 0, len(dr.Issues))
	for _, is := range dr.Issues {
		parts = append(parts, is.Detail)
	}
	return strings.Join(parts, "; ")
}

func describeProfile(p PatientProfile) string {
	var parts []string
	rng := func(name string, lo, hi *float64) {
		switch {
		case lo != nil && hi != nil:
			parts = append(parts, fmt.Sprintf("%s %g-%g", name, *lo, *hi))
		case lo != nil:
			parts = append(parts, fmt.Sprintf("%s >= %g", name, *lo))
		case hi != nil:
			parts = append(parts, fmt.Sprintf("%s <= %g", name, *hi))
		}
	}
	rng("age", p.AgeMinYears, p.AgeMaxYears)
	rng("weight_kg", p.WeightMinKg, p.WeightMaxKg)
	for _, f := range []struct {
		name string
		v    *string
	}{
		{"sex", p.Sex},
		{"renal", p.RenalImpairment},
		{"hepatic", p.HepaticImpairment},
		{"pregnancy", p.PregnancyStatus},
		{"lactation", p.LactationStatus},
	} {
		if f.v != nil {
			parts = append(parts, f.name+" "+*f.v)
		}
	}
	if len(p.OtherConditions) > 0 {
		parts = append(parts, "conditions "+strings.Join(p.OtherConditions, "/"))
	}
	if len(parts) == 0 {
		return "all patients"
	}
	return strings.Join(parts, ", ")
}
