// Package audit implements the prescription audit engine.
package audit

// Quantity is a measured amount with its unit
type Quantity struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// Frequency is an administration frequency such as 2 次/日
type Frequency struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// Prescription is one prescribed drug with its requested dose
type Prescription struct {
	Drug      string     `json:"drug"`
	Dose      *Quantity  `json:"dose,omitempty"`
	DailyDose *Quantity  `json:"daily_dose,omitempty"`
	Frequency *Frequency `json:"frequency,omitempty"`
	Route     *string    `json:"route,omitempty"`
	Duration  *Quantity  `json:"duration,omitempty"`
}

// PatientCase is a patient plus the prescriptions submitted for audit.
//
// Nil pointers mean the value was not recorded. Conditions and Allergies
// distinguish nil (unknown) from an empty slice (known to be none).
type PatientCase struct {
	ID                string         `json:"case_id"`
	AgeYears          *float64       `json:"age_years,omitempty"`
	WeightKg          *float64       `json:"weight_kg,omitempty"`
	Sex               *string        `json:"sex,omitempty"`
	RenalImpairment   *string        `json:"renal_impairment,omitempty"`
	HepaticImpairment *string        `json:"hepatic_impairment,omitempty"`
	PregnancyStatus   *string        `json:"pregnancy_status,omitempty"`
	LactationStatus   *string        `json:"lactation_status,omitempty"`
	Conditions        []string       `json:"conditions"`
	Prescriptions     []Prescription `json:"prescriptions"`
	Allergies         []string       `json:"allergies"`
}

// DrugNames returns the distinct prescribed drug names in first-seen order
func (c *PatientCase) DrugNames() []string {
	names := make([]string, len(c.Prescriptions))
	for i, rx := range c.Prescriptions {
		names[i] = rx.Drug
	}
	return distinct(names)
}

// ConditionNames returns the distinct conditions in first-seen order
func (c *PatientCase) ConditionNames() []string {
	return distinct(c.Conditions)
}

func distinct(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// HasCondition reports whether the case lists the condition
func (c *PatientCase) HasCondition(name string) bool {
	for _, cond := range c.Conditions {
		if cond == name {
			return true
		}
	}
	return false
}

// HasAllergy reports whether the case lists an allergy to the substance
func (c *PatientCase) HasAllergy(substance string) bool {
	for _, a := range c.Allergies {
		if a == substance {
			return true
		}
	}
	return false
}

// Float returns a pointer to v. Handy for building cases and rules in code.
func Float(v float64) *float64 { return &v }

// String returns a pointer to s.
func String(s string) *string { return &s }
