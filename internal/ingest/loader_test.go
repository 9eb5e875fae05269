package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/drfirst/go-hpkb/internal/domain/audit"
	"github.com/drfirst/go-hpkb/internal/extraction"
	"github.com/drfirst/go-hpkb/internal/observability/metrics"
)

const drug = "阿贝西利片"

type stubLogs struct {
	logs map[string]*extraction.ExtractionLog
	err  error
}

func (s *stubLogs) LatestSelected(_ context.Context, _ string) (map[string]*extraction.ExtractionLog, error) {
	return s.logs, s.err
}

type stubWriter struct {
	drug  string
	rules *audit.RuleSet
	err   error
}

func (w *stubWriter) ReplaceDrugRules(_ context.Context, drug string, rules *audit.RuleSet) error {
	w.drug = drug
	w.rules = rules
	return w.err
}

func selected(section, output string) *extraction.ExtractionLog {
	return &extraction.ExtractionLog{
		SectionName:   section,
		CleanedOutput: json.RawMessage(output),
		IsSuccessful:  true,
		IsSelected:    true,
	}
}

func labelLogs() map[string]*extraction.ExtractionLog {
	return map[string]*extraction.ExtractionLog{
		extraction.SectionContraindication: selected(extraction.SectionContraindication, `{
			"for_contraindication_rules": [
				{"renal_impairment": "重度", "source_text": "重度肾功能不全者禁用"},
				{"age_min_years": 18, "age_max_years": 12, "source_text": "bad bounds"}
			],
			"for_allergy_rules": [
				{"triggering_substance_name": " 阿贝西利 ", "source_text": "对本品过敏者禁用"},
				{"triggering_substance_name": "阿贝西利 ", "source_text": "对阿贝西利过敏者禁用"}
			]}`),
		extraction.SectionSpecialPopulations: selected(extraction.SectionSpecialPopulations, `{
			"for_contraindication_rules": [{"pregnancy_status": "妊娠", "source_text": "孕妇禁用"}],
			"for_administration_texts": [
				{"tags": ["老年人"], "instruction_text": "老年患者无需调整剂量", "is_complex": false, "llm_summary": "无需调整"},
				{"tags": [], "instruction_text": "  ", "is_complex": false, "llm_summary": ""}
			]}`),
		extraction.SectionDosage: selected(extraction.SectionDosage, `{
			"for_dosage_rules": [{
				"patient_profile": {"age_min_years": 18},
				"dosage": {"per_dose_min_value": 150, "per_dose_max_value": 150, "per_dose_unit": "mg"},
				"source_text": "150 mg 每日两次"
			}]}`),
		extraction.SectionAdministration: selected(extraction.SectionAdministration, `{
			"for_administration_texts": [{"tags": ["服药时间"], "instruction_text": "可与食物同服", "is_complex": false, "llm_summary": "随餐或空腹"}]}`),
		extraction.SectionInteraction: selected(extraction.SectionInteraction, `{
			"interactions": [
				{"interaction_id": "INT-1", "affected_target_name": "酮康唑", "severity": "严重",
				 "effect_summary": "升高暴露量", "clinical_management": "避免合用", "source_text": "..."},
				{"interaction_id": "INT-1", "affected_target_name": "利福平", "severity": "严重",
				 "effect_summary": "降低暴露量", "clinical_management": "避免合用", "source_text": "..."},
				{"interaction_id": "INT-2", "affected_target_name": "葡萄柚汁", "severity": "很重",
				 "effect_summary": "x", "clinical_management": "y", "source_text": "..."}
			]}`),
		extraction.SectionComposition: selected(extraction.SectionComposition, `{
			"for_graphdb_contains_relation": [{"substance_name": "阿贝西利", "role": "活性成份", "source_text": "..."}]}`),
		extraction.SectionIndication: selected(extraction.SectionIndication, `not json`),
	}
}

func TestBuild(t *testing.T) {
	res := Build(drug, labelLogs())
	rs := res.Rules

	tests := []struct {
		name string
		got  int
		want int
	}{
		{"contraindications", len(rs.Contraindications), 2},
		{"allergies", len(rs.Allergies), 1},
		{"dosages", len(rs.Dosages), 1},
		{"administration", len(rs.Administration), 2},
		{"interactions", len(rs.Interactions), 1},
		// bad bounds, repeated allergen, blank text, duplicate id, unknown severity, unparseable section
		{"dropped", len(res.Dropped), 6},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, tt.got, tt.want)
		}
	}

	if got := rs.Allergies[0].TriggeringSubstance; got != "阿贝西利" {
		t.Errorf("allergy substance = %q, want normalised 阿贝西利", got)
	}
	if ix := rs.Interactions[0]; ix.PrecipitantDrug != drug || ix.AffectedTarget != "酮康唑" {
		t.Errorf("interaction = %+v", ix)
	}
	for _, r := range rs.Contraindications {
		if r.Drug != drug {
			t.Errorf("rule %s scoped to %q", r.ID, r.Drug)
		}
		if r.EffectiveSeverity() != audit.SeveritySevere {
			t.Errorf("rule %s severity = %s, want severe default", r.ID, r.EffectiveSeverity())
		}
	}
}

func TestBuildAllergyIsUniquePerSubstance(t *testing.T) {
	res := Build(drug, labelLogs())

	if n := len(res.Rules.Allergies); n != 1 {
		t.Fatalf("allergy rules = %d, want 1", n)
	}
	var found bool
	for _, err := range res.Dropped {
		if strings.Contains(err.Error(), "duplicate substance") {
			found = true
		}
	}
	if !found {
		t.Errorf("repeated substance not reported in %v", res.Dropped)
	}

	c := &audit.PatientCase{
		ID:            "c1",
		Prescriptions: []audit.Prescription{{Drug: drug}},
		Allergies:     []string{"阿贝西利"},
	}
	report := audit.NewEngine(audit.DefaultConfig(), nil).EvaluateCase(c, res.Rules)
	var allergies int
	for _, f := range report.Findings {
		if f.RuleType == audit.RuleAllergy {
			allergies++
		}
	}
	if allergies != 1 {
		t.Errorf("allergy findings = %d, want 1", allergies)
	}
}

func TestBuildIDsAreStable(t *testing.T) {
	first := Build(drug, labelLogs()).Rules
	second := Build(drug, labelLogs()).Rules

	seen := make(map[string]bool)
	for i := range first.Contraindications {
		id := first.Contraindications[i].ID
		if id != second.Contraindications[i].ID {
			t.Errorf("contraindication %d id changed between builds", i)
		}
		if seen[id] {
			t.Errorf("duplicate id %s", id)
		}
		seen[id] = true
	}
	if first.Dosages[0].ID == first.Contraindications[0].ID {
		t.Error("dosage and contraindication ids collide")
	}
}

func TestLoadDrug(t *testing.T) {
	writer := &stubWriter{}
	m := metrics.NewWithRegisterer(prometheus.NewRegistry())
	loader := NewLoader(&stubLogs{logs: labelLogs()}, writer, m, nil)

	res, err := loader.LoadDrug(context.Background(), "  "+drug+" ")
	if err != nil {
		t.Fatalf("LoadDrug: %v", err)
	}
	if writer.drug != drug {
		t.Errorf("replaced rules of %q, want %q", writer.drug, drug)
	}
	if writer.rules != res.Rules {
		t.Error("writer should receive the built rule set")
	}
	if got := testutil.ToFloat64(m.RulesLoaded.WithLabelValues(string(audit.RuleContraindication))); got != 2 {
		t.Errorf("contraindication rules loaded = %v, want 2", got)
	}
}

func TestLoadDrugErrors(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name   string
		logs   *stubLogs
		writer *stubWriter
		want   error
	}{
		{"nothing selected", &stubLogs{logs: map[string]*extraction.ExtractionLog{}}, &stubWriter{}, ErrNothingToLoad},
		{"log source fails", &stubLogs{err: boom}, &stubWriter{}, boom},
		{"writer fails", &stubLogs{logs: labelLogs()}, &stubWriter{err: boom}, boom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader(tt.logs, tt.writer, nil, nil).LoadDrug(context.Background(), drug)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}
