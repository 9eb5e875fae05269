package audit

import "fmt"

// DosageIssue is one measure of a prescription that did not pass its envelope
type DosageIssue struct {
	Field   string        `json:"field"`
	Verdict DosageVerdict `json:"verdict"`
	Detail  string        `json:"detail"`
}

// DosageResult is the verdict of a dosage check plus every issue found
type DosageResult struct {
	Verdict DosageVerdict `json:"verdict"`
	Checked []string      `json:"checked,omitempty"`
	Issues  []DosageIssue `json:"issues,omitempty"`
}

func (r *DosageResult) add(field string, v DosageVerdict, format string, args ...any) {
	r.Issues = append(r.Issues, DosageIssue{Field: field, Verdict: v, Detail: fmt.Sprintf(format, args...)})
	if v > r.Verdict {
		r.Verdict = v
	}
}

// Fields returns the names of the measures that produced issues
func (r DosageResult) Fields() []string {
	fields := make([]string, 0, len(r.Issues))
	for _, is := range r.Issues {
		fields = append(fields, is.Field)
	}
	return fields
}

// CheckDosage compares a prescription against a dosage envelope. Only measures
// the envelope bounds are checked. Units are compared verbatim and never
// converted.
func CheckDosage(env DosageEnvelope, rx Prescription) DosageResult {
	res := DosageResult{Verdict: Compliant}

	checkQuantity(&res, "per_dose", rx.Dose, env.PerDoseMin, env.PerDoseMax, env.PerDoseUnit)
	checkQuantity(&res, "daily_dose", rx.DailyDose, env.DailyDoseMin, env.DailyDoseMax, env.DailyDoseUnit)
	checkQuantity(&res, "duration", rx.Duration, env.DurationMin, env.DurationMax, env.DurationUnit)

	if env.FrequencyValue != nil && env.FrequencyUnit != nil {
		res.Checked = append(res.Checked, "frequency")
		switch {
		case rx.Frequency == nil:
			res.add("frequency", DosageIndeterminate, "prescription has no frequency")
		case rx.Frequency.Unit != *env.FrequencyUnit || rx.Frequency.Value != *env.FrequencyValue:
			res.add("frequency", NonCompliant, "frequency %g %s differs from %g %s",
				rx.Frequency.Value, rx.Frequency.Unit, *env.FrequencyValue, *env.FrequencyUnit)
		}
	}

	if env.Route != nil {
		res.Checked = append(res.Checked, "route")
		switch {
		case rx.Route == nil:
			res.add("route", DosageIndeterminate, "prescription has no route")
		case *rx.Route != *env.Route:
			res.add("route", NonCompliant, "route %s differs from %s", *rx.Route, *env.Route)
		}
	}
	return res
}

func checkQuantity(res *DosageResult, name string, q *Quantity, lo, hi *float64, unit *string) {
	if lo == nil && hi == nil {
		return
	}
	res.Checked = append(res.Checked, name)
	if q == nil {
		res.add(name, DosageIndeterminate, "prescription has no %s", name)
		return
	}
	if unit == nil || q.Unit != *unit {
		want := ""
		if unit != nil {
			want = *unit
		}
		res.add(name+"_unit", DataMismatch, "%s unit %q does not match rule unit %q", name, q.Unit, want)
		return
	}
	if lo != nil && q.Value < *lo {
		res.add(name+"_min_value", NonCompliant, "%s %g %s is below minimum %g", name, q.Value, q.Unit, *lo)
	}
	if hi != nil && q.Value > *hi {
		res.add(name+"_max_value", NonCompliant, "%s %g %s exceeds maximum %g", name, q.Value, q.Unit, *hi)
	}
}
