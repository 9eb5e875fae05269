package audit

import (
	"fmt"
	"strings"
)

// IntegrityError reports a malformed rule. The rule is skipped, never coerced.
type IntegrityError struct {
	RuleType RuleType
	RuleID   string
	Field    string
	Reason   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s rule %s: %s: %s", e.RuleType, e.RuleID, e.Field, e.Reason)
}

var (
	sexValues        = []string{SexMale, SexFemale}
	impairmentValues = []string{ImpairmentMild, ImpairmentModerate, ImpairmentSevere, ImpairmentFailure}
	pregnancyValues  = []string{NotPregnant, Pregnant}
	lactationValues  = []string{NotLactating, Lactating}
)

// Validate checks bound ordering and categorical vocabularies
func (p PatientProfile) Validate() error {
	if err := checkBounds("age_years", p.AgeMinYears, p.AgeMaxYears); err != nil {
		return err
	}
	if err := checkBounds("weight_kg", p.WeightMinKg, p.WeightMaxKg); err != nil {
		return err
	}
	for _, f := range []struct {
		name    string
		value   *string
		allowed []string
	}{
		{"sex", p.Sex, sexValues},
		{"renal_impairment", p.RenalImpairment, impairmentValues},
		{"hepatic_impairment", p.HepaticImpairment, impairmentValues},
		{"pregnancy_status", p.PregnancyStatus, pregnancyValues},
		{"lactation_status", p.LactationStatus, lactationValues},
	} {
		if f.value != nil && !contains(f.allowed, *f.value) {
			return &IntegrityError{Field: f.name, Reason: fmt.Sprintf("value %q not in %s", *f.value, strings.Join(f.allowed, "/"))}
		}
	}
	return nil
}

// Validate checks that every bound pair is ordered and carries a unit
func (d DosageEnvelope) Validate() error {
	checks := []struct {
		name   string
		lo, hi *float64
		unit   *string
	}{
		{"per_dose", d.PerDoseMin, d.PerDoseMax, d.PerDoseUnit},
		{"daily_dose", d.DailyDoseMin, d.DailyDoseMax, d.DailyDoseUnit},
		{"duration", d.DurationMin, d.DurationMax, d.DurationUnit},
	}
	for _, c := range checks {
		if err := checkBounds(c.name, c.lo, c.hi); err != nil {
			return err
		}
		if (c.lo != nil || c.hi != nil) && (c.unit == nil || *c.unit == "") {
			return &IntegrityError{Field: c.name + "_unit", Reason: "bound given without a unit"}
		}
	}
	if (d.FrequencyValue == nil) != (d.FrequencyUnit == nil) {
		return &IntegrityError{Field: "frequency", Reason: "value and unit must be given together"}
	}
	return nil
}

// Validate checks the contraindication profile and severity
func (r ContraindicationRule) Validate() error {
	if r.Drug == "" {
		return &IntegrityError{RuleType: RuleContraindication, RuleID: r.ID, Field: "drug_canonical_name", Reason: "empty"}
	}
	if r.Severity != nil {
		if _, ok := severityRank[*r.Severity]; !ok {
			return &IntegrityError{RuleType: RuleContraindication, RuleID: r.ID, Field: "severity", Reason: fmt.Sprintf("unknown severity %q", *r.Severity)}
		}
	}
	return tag(r.Profile.Validate(), RuleContraindication, r.ID)
}

// Validate checks the dosage profile and envelope
func (r DosageRule) Validate() error {
	if r.Drug == "" {
		return &IntegrityError{RuleType: RuleDosage, RuleID: r.ID, Field: "drug_canonical_name", Reason: "empty"}
	}
	if err := r.Profile.Validate(); err != nil {
		return tag(err, RuleDosage, r.ID)
	}
	return tag(r.Dosage.Validate(), RuleDosage, r.ID)
}

// Validate checks that the allergy rule names a substance
func (r AllergyRule) Validate() error {
	if r.Drug == "" || r.TriggeringSubstance == "" {
		return &IntegrityError{RuleType: RuleAllergy, RuleID: r.ID, Field: "triggering_substance_name", Reason: "empty"}
	}
	return nil
}

// Validate checks the interaction names and severity vocabulary
func (r InteractionDetail) Validate() error {
	if r.PrecipitantDrug == "" || r.AffectedTarget == "" {
		return &IntegrityError{RuleType: RuleInteraction, RuleID: r.InteractionID, Field: "affected_target_name", Reason: "precipitant and target are required"}
	}
	if _, err := ParseSeverity(r.Severity); err != nil {
		return &IntegrityError{RuleType: RuleInteraction, RuleID: r.InteractionID, Field: "severity", Reason: err.Error()}
	}
	return nil
}

func checkBounds(name string, lo, hi *float64) error {
	if lo != nil && *lo < 0 {
		return &IntegrityError{Field: name + "_min", Reason: fmt.Sprintf("negative bound %g", *lo)}
	}
	if lo != nil && hi != nil && *lo > *hi {
		return &IntegrityError{Field: name, Reason: fmt.Sprintf("min %g exceeds max %g", *lo, *hi)}
	}
	return nil
}

// tag fills in the rule identity on an IntegrityError raised by a nested validator
func tag(err error, rt RuleType, id string) error {
	if ie, ok := err.(*IntegrityError); ok {
		ie.RuleType = rt
		ie.RuleID = id
		return ie
	}
	return err
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
