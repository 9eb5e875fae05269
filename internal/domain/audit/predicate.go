package audit

// ProfileResult is the outcome of matching a patient profile against a case
// together with the fields that drove it.
type ProfileResult struct {
	Outcome Outcome  `json:"outcome"`
	Matched []string `json:"matched,omitempty"`
	Failed  []string `json:"failed,omitempty"`
	Missing []string `json:"missing,omitempty"`
}

func (r *ProfileResult) record(field string, o Outcome) {
	switch o {
	case Match:
		r.Matched = append(r.Matched, field)
	case NoMatch:
		r.Failed = append(r.Failed, field)
	case Indeterminate:
		r.Missing = append(r.Missing, field)
	}
	r.Outcome = and(r.Outcome, o)
}

// EvaluateProfile matches a rule profile against a case. Null profile fields
// are wildcards and never contribute to the result.
func EvaluateProfile(p PatientProfile, c *PatientCase) ProfileResult {
	res := ProfileResult{Outcome: Match}

	if p.AgeMinYears != nil || p.AgeMaxYears != nil {
		res.record("age_years", inRange(c.AgeYears, p.AgeMinYears, p.AgeMaxYears))
	}
	if p.WeightMinKg != nil || p.WeightMaxKg != nil {
		res.record("weight_kg", inRange(c.WeightKg, p.WeightMinKg, p.WeightMaxKg))
	}

	for _, f := range []struct {
		name       string
		rule, have *string
	}{
		{"sex", p.Sex, c.Sex},
		{"renal_impairment", p.RenalImpairment, c.RenalImpairment},
		{"hepatic_impairment", p.HepaticImpairment, c.HepaticImpairment},
		{"pregnancy_status", p.PregnancyStatus, c.PregnancyStatus},
		{"lactation_status", p.LactationStatus, c.LactationStatus},
	} {
		if f.rule == nil {
			continue
		}
		res.record(f.name, equal(f.have, *f.rule))
	}

	if len(p.OtherConditions) > 0 {
		res.record("other_conditions", subset(p.OtherConditions, c.Conditions))
	}
	return res
}

// inRange tests v against an inclusive range where either end may be open
func inRange(v, lo, hi *float64) Outcome {
	if lo == nil && hi == nil {
		return Match
	}
	if v == nil {
		return Indeterminate
	}
	if lo != nil && *v < *lo {
		return NoMatch
	}
	if hi != nil && *v > *hi {
		return NoMatch
	}
	return Match
}

func equal(have *string, want string) Outcome {
	if have == nil {
		return Indeterminate
	}
	if *have == want {
		return Match
	}
	return NoMatch
}

// subset requires every rule condition to be present in the case. A nil
// case list means conditions were never recorded.
func subset(required, have []string) Outcome {
	if have == nil {
		return Indeterminate
	}
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return NoMatch
		}
	}
	return Match
}
