package audit

import (
	"errors"
	"testing"
)

func TestValidateRules(t *testing.T) {
	bogus := Severity("fatal")

	tests := []struct {
		name  string
		rule  interface{ Validate() error }
		field string
	}{
		{"ok contraindication", ContraindicationRule{ID: "1", Drug: "a", Profile: PatientProfile{AgeMinYears: Float(1), AgeMaxYears: Float(1)}}, ""},
		{"inverted age", ContraindicationRule{ID: "1", Drug: "a", Profile: PatientProfile{AgeMinYears: Float(18), AgeMaxYears: Float(12)}}, "age_years"},
		{"negative weight", ContraindicationRule{ID: "1", Drug: "a", Profile: PatientProfile{WeightMinKg: Float(-1)}}, "weight_kg_min"},
		{"unknown renal grade", ContraindicationRule{ID: "1", Drug: "a", Profile: PatientProfile{RenalImpairment: String("很严重")}}, "renal_impairment"},
		{"unknown severity", ContraindicationRule{ID: "1", Drug: "a", Severity: &bogus}, "severity"},
		{"no drug", ContraindicationRule{ID: "1"}, "drug_canonical_name"},
		{"ok dosage", DosageRule{ID: "2", Drug: "a", Dosage: DosageEnvelope{PerDoseMax: Float(5), PerDoseUnit: String("mg")}}, ""},
		{"inverted daily dose", DosageRule{ID: "2", Drug: "a", Dosage: DosageEnvelope{DailyDoseMin: Float(10), DailyDoseMax: Float(5), DailyDoseUnit: String("mg")}}, "daily_dose"},
		{"bound without unit", DosageRule{ID: "2", Drug: "a", Dosage: DosageEnvelope{PerDoseMax: Float(5)}}, "per_dose_unit"},
		{"half a frequency", DosageRule{ID: "2", Drug: "a", Dosage: DosageEnvelope{FrequencyValue: Float(2)}}, "frequency"},
		{"ok allergy", AllergyRule{ID: "3", Drug: "a", TriggeringSubstance: "b"}, ""},
		{"empty allergy", AllergyRule{ID: "3", Drug: "a"}, "triggering_substance_name"},
		{"ok interaction", InteractionDetail{InteractionID: "4", PrecipitantDrug: "a", AffectedTarget: "b", Severity: "严重"}, ""},
		{"bad interaction severity", InteractionDetail{InteractionID: "4", PrecipitantDrug: "a", AffectedTarget: "b", Severity: "高"}, "severity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ie *IntegrityError
			if !errors.As(err, &ie) {
				t.Fatalf("err = %v, want *IntegrityError", err)
			}
			if ie.Field != tt.field {
				t.Errorf("field = %q, want %q", ie.Field, tt.field)
			}
			if ie.RuleID == "" {
				t.Errorf("rule id not set on %v", ie)
			}
		})
	}
}

func TestParseSeverity(t *testing.T) {
	tests := map[string]Severity{
		"严重":       SeveritySevere,
		"中度":       SeverityModerate,
		"轻度":       SeverityMild,
		" Severe ": SeveritySevere,
		"mild":     SeverityMild,
	}
	for in, want := range tests {
		got, err := ParseSeverity(in)
		if err != nil || got != want {
			t.Errorf("ParseSeverity(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseSeverity("critical"); err == nil {
		t.Error("expected error for unknown severity")
	}
}

func TestSortFindingsTieBreaks(t *testing.T) {
	findings := []Finding{
		{RuleType: RuleDosage, RuleID: "b", Severity: SeverityModerate, Drug: "y"},
		{RuleType: RuleAdvisory, RuleID: "a", Severity: SeverityInformational},
		{RuleType: RuleDosage, RuleID: "b", Severity: SeverityModerate, Drug: "x"},
		{RuleType: RuleInteraction, RuleID: "z", Severity: SeverityMild},
		{RuleType: RuleDosage, RuleID: "a", Severity: SeverityModerate},
	}
	SortFindings(findings)

	want := []struct{ id, drug string }{{"a", ""}, {"b", "x"}, {"b", "y"}, {"z", ""}, {"a", ""}}
	for i, w := range want {
		if findings[i].RuleID != w.id || findings[i].Drug != w.drug {
			t.Errorf("position %d = %s/%s, want %s/%s", i, findings[i].RuleID, findings[i].Drug, w.id, w.drug)
		}
	}
}
