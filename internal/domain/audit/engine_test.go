package audit

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"testing"
)

const abemaciclib = "阿贝西利片"

func testRules() *RuleSet {
	sev := SeverityModerate
	return &RuleSet{
		Contraindications: []ContraindicationRule{
			{ID: "ci-renal", Drug: abemaciclib, Profile: PatientProfile{RenalImpairment: String(ImpairmentSevere)},
				SourceText: "重度肾功能损害患者禁用"},
			{ID: "ci-preg", Drug: abemaciclib, Profile: PatientProfile{PregnancyStatus: String(Pregnant)},
				Severity: &sev, SourceText: "妊娠期妇女慎用"},
		},
		Dosages: []DosageRule{
			{ID: "dose-adult", Drug: abemaciclib,
				Profile: PatientProfile{AgeMinYears: Float(18)},
				Dosage:  DosageEnvelope{PerDoseMin: Float(50), PerDoseMax: Float(150), PerDoseUnit: String("mg")}},
			{ID: "dose-child", Drug: abemaciclib,
				Profile: PatientProfile{AgeMaxYears: Float(17), WeightMinKg: Float(10), WeightMaxKg: Float(50)},
				Dosage:  DosageEnvelope{PerDoseMax: Float(50), PerDoseUnit: String("mg")}},
		},
		Allergies: []AllergyRule{
			{ID: "allergy-1", Drug: abemaciclib, TriggeringSubstance: "阿贝西利"},
		},
		Interactions: []InteractionDetail{
			{InteractionID: "ix-1", PrecipitantDrug: abemaciclib, AffectedTarget: "酮康唑", Severity: "严重",
				EffectSummary: "升高阿贝西利暴露量", ClinicalManagement: "避免合用"},
		},
		Administration: []AdministrationText{
			{ID: "admin-1", Drug: abemaciclib, Tags: []string{"服药时间"}, InstructionText: "可与或不与食物同服", Summary: "可空腹或随餐服用"},
		},
	}
}

func TestEvaluateCaseRenalContraindication(t *testing.T) {
	c := &PatientCase{
		ID:              "case-1",
		AgeYears:        Float(70),
		RenalImpairment: String(ImpairmentSevere),
		PregnancyStatus: String(NotPregnant),
		Allergies:       []string{},
		Prescriptions:   []Prescription{{Drug: abemaciclib, Dose: &Quantity{Value: 100, Unit: "mg"}}},
	}
	rules := &RuleSet{Contraindications: testRules().Contraindications}

	report := NewEngine(DefaultConfig(), nil).EvaluateCase(c, rules)
	if len(report.Findings) != 1 {
		t.Fatalf("got %d findings: %+v", len(report.Findings), report.Findings)
	}
	f := report.Findings[0]
	if f.RuleID != "ci-renal" || f.Category != CategoryViolation || f.Severity != SeveritySevere {
		t.Errorf("finding = %+v", f)
	}
	if report.Coverage[0].Status != CoverageHasFindings {
		t.Errorf("coverage = %+v", report.Coverage)
	}
}

func TestEvaluateCaseMissingWeightIsIndeterminate(t *testing.T) {
	c := &PatientCase{
		ID:            "case-2",
		AgeYears:      Float(8),
		Prescriptions: []Prescription{{Drug: abemaciclib, Dose: &Quantity{Value: 25, Unit: "mg"}}},
	}
	rules := &RuleSet{Dosages: testRules().Dosages}

	report := NewEngine(DefaultConfig(), nil).EvaluateCase(c, rules)
	var found bool
	for _, f := range report.Findings {
		if f.RuleID != "dose-child" {
			continue
		}
		found = true
		if f.Category != CategoryIndeterminate {
			t.Errorf("category = %s, want indeterminate", f.Category)
		}
		if len(f.Fields) != 1 || f.Fields[0] != "weight_kg" {
			t.Errorf("fields = %v", f.Fields)
		}
	}
	if !found {
		t.Fatalf("no finding for dose-child in %+v", report.Findings)
	}
}

func TestEvaluateCaseUnitMismatch(t *testing.T) {
	c := &PatientCase{
		ID:            "case-3",
		Prescriptions: []Prescription{{Drug: "x", Dose: &Quantity{Value: 5, Unit: "mg"}}},
	}
	rules := &RuleSet{Dosages: []DosageRule{{
		ID: "d", Drug: "x",
		Dosage: DosageEnvelope{PerDoseMin: Float(2), PerDoseMax: Float(10), PerDoseUnit: String("g")},
	}}}

	report := NewEngine(DefaultConfig(), nil).EvaluateCase(c, rules)
	if len(report.Findings) != 1 || report.Findings[0].Category != CategoryDataMismatch {
		t.Fatalf("findings = %+v", report.Findings)
	}
}

func TestEvaluateCaseMalformedRuleIsIsolated(t *testing.T) {
	c := &PatientCase{
		ID:              "case-4",
		WeightKg:        Float(60),
		RenalImpairment: String(ImpairmentSevere),
		Prescriptions:   []Prescription{{Drug: abemaciclib}},
	}
	rules := &RuleSet{Contraindications: []ContraindicationRule{
		{ID: "bad", Drug: abemaciclib, Profile: PatientProfile{WeightMinKg: Float(80), WeightMaxKg: Float(40)}},
		testRules().Contraindications[0],
	}}

	report := NewEngine(DefaultConfig(), nil).EvaluateCase(c, rules)
	if len(report.Findings) != 2 {
		t.Fatalf("got %d findings: %+v", len(report.Findings), report.Findings)
	}
	if report.Findings[0].RuleID != "ci-renal" || report.Findings[0].Category != CategoryViolation {
		t.Errorf("first finding = %+v", report.Findings[0])
	}
	if report.Findings[1].RuleID != "bad" || report.Findings[1].Category != CategoryDataIntegrity {
		t.Errorf("second finding = %+v", report.Findings[1])
	}
}

func TestEvaluateCaseUnknownInteractionSeverity(t *testing.T) {
	c := &PatientCase{
		ID:            "case-4b",
		Prescriptions: []Prescription{{Drug: abemaciclib}, {Drug: "酮康唑"}},
	}
	rules := &RuleSet{Interactions: []InteractionDetail{
		{InteractionID: "ix-bad", PrecipitantDrug: abemaciclib, AffectedTarget: "酮康唑", Severity: "很重"},
	}}

	report := NewEngine(DefaultConfig(), nil).EvaluateCase(c, rules)
	if len(report.Findings) != 1 {
		t.Fatalf("got %d findings: %+v", len(report.Findings), report.Findings)
	}
	if f := report.Findings[0]; f.RuleID != "ix-bad" || f.Category != CategoryDataIntegrity {
		t.Errorf("finding = %+v, want data_integrity instead of a warning with no severity", f)
	}
}

func TestEvaluateCaseCoverage(t *testing.T) {
	c := &PatientCase{
		ID:              "case-5",
		AgeYears:        Float(40),
		RenalImpairment: String(ImpairmentMild),
		PregnancyStatus: String(NotPregnant),
		Allergies:       []string{},
		Prescriptions: []Prescription{
			{Drug: abemaciclib, Dose: &Quantity{Value: 100, Unit: "mg"}},
			{Drug: "维生素C片"},
		},
	}
	rules := testRules()
	rules.Interactions = nil

	report := NewEngine(DefaultConfig(), nil).EvaluateCase(c, rules)
	want := map[string]string{abemaciclib: CoverageAllPassed, "维生素C片": CoverageNoRules}
	for _, cov := range report.Coverage {
		if want[cov.Drug] != cov.Status {
			t.Errorf("coverage for %s = %s, want %s", cov.Drug, cov.Status, want[cov.Drug])
		}
	}

	// nothing applies to a minor with known weight outside every envelope
	c.AgeYears = Float(12)
	c.WeightKg = Float(80)
	report = NewEngine(Config{}, nil).EvaluateCase(c, rules)
	if report.Coverage[0].Status != CoverageNoMatching {
		t.Errorf("coverage = %+v, findings %+v", report.Coverage[0], report.Findings)
	}
}

func TestEvaluateCaseOrdering(t *testing.T) {
	c := &PatientCase{
		ID:              "case-6",
		RenalImpairment: String(ImpairmentSevere),
		Prescriptions: []Prescription{
			{Drug: abemaciclib, Dose: &Quantity{Value: 500, Unit: "mg"}},
			{Drug: "酮康唑"},
		},
		Allergies: []string{"阿贝西利"},
	}
	rules := testRules()
	engine := NewEngine(DefaultConfig(), nil)

	first := engine.EvaluateCase(c, rules)
	wantOrder := []RuleType{
		RuleContraindication, // severe violation
		RuleInteraction,      // severe warning
		RuleAllergy,          // severe violation
		RuleContraindication, // moderate, pregnancy unknown
		RuleDosage,
	}
	if len(first.Findings) < len(wantOrder) {
		t.Fatalf("got %d findings: %+v", len(first.Findings), first.Findings)
	}
	for i, rt := range wantOrder {
		if first.Findings[i].RuleType != rt {
			t.Errorf("finding %d is %s, want %s", i, first.Findings[i].RuleType, rt)
		}
	}

	want, _ := json.Marshal(first)
	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := testRules()
		rnd.Shuffle(len(shuffled.Contraindications), func(a, b int) {
			shuffled.Contraindications[a], shuffled.Contraindications[b] = shuffled.Contraindications[b], shuffled.Contraindications[a]
		})
		rnd.Shuffle(len(shuffled.Dosages), func(a, b int) {
			shuffled.Dosages[a], shuffled.Dosages[b] = shuffled.Dosages[b], shuffled.Dosages[a]
		})
		got, _ := json.Marshal(engine.EvaluateCase(c, shuffled))
		if !bytes.Equal(got, want) {
			t.Fatalf("report changed with rule order:\n%s\n%s", got, want)
		}
	}
}

func TestEvaluateCaseAdvisories(t *testing.T) {
	c := &PatientCase{ID: "case-7", Prescriptions: []Prescription{{Drug: abemaciclib}}}
	rules := &RuleSet{Administration: []AdministrationText{
		{ID: "a1", Drug: abemaciclib, Tags: []string{"服药时间"}, InstructionText: "随餐服用", Summary: "随餐"},
		{ID: "a2", Drug: abemaciclib, Tags: []string{"剂量调整"}, InstructionText: "根据不良反应调整", IsComplex: true},
	}}

	report := NewEngine(DefaultConfig(), nil).EvaluateCase(c, rules)
	if len(report.Findings) != 2 {
		t.Fatalf("got %d findings", len(report.Findings))
	}
	if report.Findings[1].Category != CategoryNarrativeReview {
		t.Errorf("complex text category = %s", report.Findings[1].Category)
	}

	cfg := DefaultConfig()
	cfg.AdvisoryTags = []string{"服药时间"}
	report = NewEngine(cfg, nil).EvaluateCase(c, rules)
	if len(report.Findings) != 1 || report.Findings[0].RuleID != "a1" {
		t.Errorf("tag filter gave %+v", report.Findings)
	}
}

func TestEvaluateCaseUnknownAllergies(t *testing.T) {
	c := &PatientCase{ID: "case-8", Prescriptions: []Prescription{{Drug: abemaciclib}}}
	rules := &RuleSet{Allergies: testRules().Allergies}

	report := NewEngine(DefaultConfig(), nil).EvaluateCase(c, rules)
	if len(report.Findings) != 1 || report.Findings[0].Category != CategoryIndeterminate {
		t.Fatalf("findings = %+v", report.Findings)
	}

	c.Allergies = []string{"青霉素"}
	report = NewEngine(DefaultConfig(), nil).EvaluateCase(c, rules)
	if len(report.Findings) != 0 {
		t.Errorf("findings = %+v", report.Findings)
	}
}
