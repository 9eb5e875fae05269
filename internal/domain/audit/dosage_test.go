package audit

import (
	"reflect"
	"testing"
)

func TestCheckDosagePerDose(t *testing.T) {
	env := DosageEnvelope{PerDoseMin: Float(2), PerDoseMax: Float(10), PerDoseUnit: String("mg")}

	tests := []struct {
		name    string
		dose    *Quantity
		verdict DosageVerdict
		fields  []string
	}{
		{"within", &Quantity{Value: 5, Unit: "mg"}, Compliant, []string{}},
		{"at max", &Quantity{Value: 10, Unit: "mg"}, Compliant, []string{}},
		{"above max", &Quantity{Value: 12, Unit: "mg"}, NonCompliant, []string{"per_dose_max_value"}},
		{"below min", &Quantity{Value: 1, Unit: "mg"}, NonCompliant, []string{"per_dose_min_value"}},
		{"different unit", &Quantity{Value: 5, Unit: "g"}, DataMismatch, []string{"per_dose_unit"}},
		{"different unit in range numerically", &Quantity{Value: 0.005, Unit: "g"}, DataMismatch, []string{"per_dose_unit"}},
		{"no dose", nil, DosageIndeterminate, []string{"per_dose"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CheckDosage(env, Prescription{Drug: "x", Dose: tt.dose})
			if got.Verdict != tt.verdict {
				t.Errorf("verdict = %s, want %s", got.Verdict, tt.verdict)
			}
			if !reflect.DeepEqual(got.Fields(), tt.fields) {
				t.Errorf("fields = %v, want %v", got.Fields(), tt.fields)
			}
		})
	}
}

func TestCheckDosageUnitMismatchScenario(t *testing.T) {
	env := DosageEnvelope{PerDoseMin: Float(2), PerDoseMax: Float(10), PerDoseUnit: String("g")}
	got := CheckDosage(env, Prescription{Drug: "x", Dose: &Quantity{Value: 5, Unit: "mg"}})
	if got.Verdict != DataMismatch {
		t.Fatalf("verdict = %s, want DATA_MISMATCH", got.Verdict)
	}
}

func TestCheckDosageIndependentMeasures(t *testing.T) {
	env := DosageEnvelope{
		DailyDoseMax:   Float(300),
		DailyDoseUnit:  String("mg"),
		FrequencyValue: Float(2),
		FrequencyUnit:  String("次/日"),
		Route:          String("口服"),
	}

	// per-dose is unbounded so a huge single dose is not checked
	rx := Prescription{
		Drug:      "x",
		Dose:      &Quantity{Value: 10000, Unit: "mg"},
		DailyDose: &Quantity{Value: 300, Unit: "mg"},
		Frequency: &Frequency{Value: 2, Unit: "次/日"},
		Route:     String("口服"),
	}
	got := CheckDosage(env, rx)
	if got.Verdict != Compliant {
		t.Fatalf("verdict = %s, issues %+v", got.Verdict, got.Issues)
	}
	if !reflect.DeepEqual(got.Checked, []string{"daily_dose", "frequency", "route"}) {
		t.Errorf("checked = %v", got.Checked)
	}

	rx.Frequency = &Frequency{Value: 3, Unit: "次/日"}
	rx.Route = String("静脉注射")
	got = CheckDosage(env, rx)
	if got.Verdict != NonCompliant {
		t.Fatalf("verdict = %s, want NON_COMPLIANT", got.Verdict)
	}
	if !reflect.DeepEqual(got.Fields(), []string{"frequency", "route"}) {
		t.Errorf("fields = %v", got.Fields())
	}
}

func TestCheckDosagePrecedence(t *testing.T) {
	env := DosageEnvelope{
		PerDoseMax:    Float(10),
		PerDoseUnit:   String("mg"),
		DailyDoseMax:  Float(20),
		DailyDoseUnit: String("mg"),
		DurationMax:   Float(14),
		DurationUnit:  String("日"),
	}
	rx := Prescription{
		Drug:      "x",
		Dose:      &Quantity{Value: 50, Unit: "mg"},
		DailyDose: &Quantity{Value: 1, Unit: "g"},
	}

	got := CheckDosage(env, rx)
	if got.Verdict != DataMismatch {
		t.Fatalf("verdict = %s, want DATA_MISMATCH", got.Verdict)
	}
	want := []string{"per_dose_max_value", "daily_dose_unit", "duration"}
	if !reflect.DeepEqual(got.Fields(), want) {
		t.Errorf("fields = %v, want %v", got.Fields(), want)
	}
}

func TestCheckDosageDuration(t *testing.T) {
	env := DosageEnvelope{DurationMin: Float(5), DurationMax: Float(7), DurationUnit: String("日")}

	tests := []struct {
		name     string
		duration *Quantity
		verdict  DosageVerdict
	}{
		{"within", &Quantity{Value: 7, Unit: "日"}, Compliant},
		{"too long", &Quantity{Value: 10, Unit: "日"}, NonCompliant},
		{"weeks", &Quantity{Value: 1, Unit: "周"}, DataMismatch},
		{"missing", nil, DosageIndeterminate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CheckDosage(env, Prescription{Drug: "x", Duration: tt.duration})
			if got.Verdict != tt.verdict {
				t.Errorf("verdict = %s, want %s", got.Verdict, tt.verdict)
			}
		})
	}
}

func TestCheckDosageEmptyEnvelope(t *testing.T) {
	got := CheckDosage(DosageEnvelope{}, Prescription{Drug: "x"})
	if got.Verdict != Compliant || len(got.Checked) != 0 {
		t.Errorf("empty envelope gave %+v", got)
	}
}
