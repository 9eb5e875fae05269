package audit

// Categorical vocabularies used by extracted labels
const (
	SexMale   = "男"
	SexFemale = "女"

	ImpairmentMild     = "轻度"
	ImpairmentModerate = "中度"
	ImpairmentSevere   = "重度"
	ImpairmentFailure  = "衰竭"

	NotPregnant = "未妊娠"
	Pregnant    = "妊娠"

	NotLactating = "非哺乳期"
	Lactating    = "哺乳期"
)

// PatientProfile is the demographic/condition predicate shared by
// contraindication and dosage rules. Nil fields are wildcards.
type PatientProfile struct {
	AgeMinYears       *float64 `json:"age_min_years,omitempty"`
	AgeMaxYears       *float64 `json:"age_max_years,omitempty"`
	WeightMinKg       *float64 `json:"weight_min_kg,omitempty"`
	WeightMaxKg       *float64 `json:"weight_max_kg,omitempty"`
	Sex               *string  `json:"sex,omitempty"`
	RenalImpairment   *string  `json:"renal_impairment,omitempty"`
	HepaticImpairment *string  `json:"hepatic_impairment,omitempty"`
	PregnancyStatus   *string  `json:"pregnancy_status,omitempty"`
	LactationStatus   *string  `json:"lactation_status,omitempty"`
	OtherConditions   []string `json:"other_conditions,omitempty"`
}

// IsWildcard reports whether the profile constrains nothing
func (p PatientProfile) IsWildcard() bool {
	return p.AgeMinYears == nil && p.AgeMaxYears == nil &&
		p.WeightMinKg == nil && p.WeightMaxKg == nil &&
		p.Sex == nil && p.RenalImpairment == nil && p.HepaticImpairment == nil &&
		p.PregnancyStatus == nil && p.LactationStatus == nil &&
		len(p.OtherConditions) == 0
}

// ContraindicationRule forbids a drug for patients matching its profile
type ContraindicationRule struct {
	ID         string         `json:"id"`
	Drug       string         `json:"drug_canonical_name"`
	Profile    PatientProfile `json:"patient_profile"`
	Severity   *Severity      `json:"severity,omitempty"`
	SourceText string         `json:"source_text"`
}

// EffectiveSeverity returns the rule severity, severe when unset
func (r ContraindicationRule) EffectiveSeverity() Severity {
	if r.Severity == nil {
		return SeveritySevere
	}
	return *r.Severity
}

// DosageEnvelope is the permitted dosage for patients matching a dosage rule
type DosageEnvelope struct {
	PerDoseMin     *float64 `json:"per_dose_min_value,omitempty"`
	PerDoseMax     *float64 `json:"per_dose_max_value,omitempty"`
	PerDoseUnit    *string  `json:"per_dose_unit,omitempty"`
	DailyDoseMin   *float64 `json:"daily_dose_min_value,omitempty"`
	DailyDoseMax   *float64 `json:"daily_dose_max_value,omitempty"`
	DailyDoseUnit  *string  `json:"daily_dose_unit,omitempty"`
	FrequencyValue *float64 `json:"frequency_value,omitempty"`
	FrequencyUnit  *string  `json:"frequency_unit,omitempty"`
	Route          *string  `json:"route,omitempty"`
	DurationMin    *float64 `json:"duration_min_value,omitempty"`
	DurationMax    *float64 `json:"duration_max_value,omitempty"`
	DurationUnit   *string  `json:"duration_unit,omitempty"`
	Notes          *string  `json:"notes,omitempty"`
}

// DosageRule bounds the dose of a drug for patients matching its profile
type DosageRule struct {
	ID         string         `json:"id"`
	Drug       string         `json:"drug_canonical_name"`
	Profile    PatientProfile `json:"patient_profile"`
	Dosage     DosageEnvelope `json:"dosage"`
	SourceText string         `json:"source_text"`
}

// AllergyRule flags a drug for patients allergic to a substance
type AllergyRule struct {
	ID                  string `json:"id"`
	Drug                string `json:"drug_canonical_name"`
	TriggeringSubstance string `json:"triggering_substance_name"`
	SourceText          string `json:"source_text"`
}

// InteractionDetail is a documented interaction with the precipitant drug
type InteractionDetail struct {
	InteractionID          string   `json:"interaction_id"`
	PrecipitantDrug        string   `json:"precipitant_drug_name"`
	AffectedTarget         string   `json:"affected_target_name"`
	AffectedTargetExamples []string `json:"affected_target_examples,omitempty"`
	Severity               string   `json:"severity"`
	EffectSummary          string   `json:"effect_summary"`
	Mechanism              *string  `json:"mechanism,omitempty"`
	ClinicalManagement     string   `json:"clinical_management"`
	SourceText             string   `json:"source_text"`
}

// AdministrationText is free-text usage guidance. It is surfaced as an
// advisory and never evaluated automatically.
type AdministrationText struct {
	ID              string   `json:"id"`
	Drug            string   `json:"drug_canonical_name"`
	Tags            []string `json:"tags"`
	InstructionText string   `json:"instruction_text"`
	IsComplex       bool     `json:"is_complex"`
	Summary         string   `json:"llm_summary"`
}

// RuleSet holds every rule retrieved for an audit
type RuleSet struct {
	Contraindications []ContraindicationRule `json:"contraindication_rules"`
	Dosages           []DosageRule           `json:"dosage_rules"`
	Allergies         []AllergyRule          `json:"allergy_rules"`
	Interactions      []InteractionDetail    `json:"interaction_details"`
	Administration    []AdministrationText   `json:"administration_texts"`
}

// Len returns the total number of rules
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.Contraindications) + len(rs.Dosages) + len(rs.Allergies) +
		len(rs.Interactions) + len(rs.Administration)
}

// Merge appends the rules of other that are not already present, keyed by rule ID
func (rs *RuleSet) Merge(other *RuleSet) {
	if other == nil {
		return
	}

	seen := make(map[string]struct{})
	key := func(kind, id string) string { return kind + "/" + id }
	for _, r := range rs.Contraindications {
		seen[key("ci", r.ID)] = struct{}{}
	}
	for _, r := range rs.Dosages {
		seen[key("dose", r.ID)] = struct{}{}
	}
	for _, r := range rs.Allergies {
		seen[key("allergy", r.ID)] = struct{}{}
	}
	for _, r := range rs.Interactions {
		seen[key("ix", r.PrecipitantDrug+"/"+r.InteractionID)] = struct{}{}
	}
	for _, r := range rs.Administration {
		seen[key("admin", r.ID)] = struct{}{}
	}

	add := func(k string) bool {
		if _, ok := seen[k]; ok {
			return false
		}
		seen[k] = struct{}{}
		return true
	}

	for _, r := range other.Contraindications {
		if add(key("ci", r.ID)) {
			rs.Contraindications = append(rs.Contraindications, r)
		}
	}
	for _, r := range other.Dosages {
		if add(key("dose", r.ID)) {
			rs.Dosages = append(rs.Dosages, r)
		}
	}
	for _, r := range other.Allergies {
		if add(key("allergy", r.ID)) {
			rs.Allergies = append(rs.Allergies, r)
		}
	}
	for _, r := range other.Interactions {
		if add(key("ix", r.PrecipitantDrug+"/"+r.InteractionID)) {
			rs.Interactions = append(rs.Interactions, r)
		}
	}
	for _, r := range other.Administration {
		if add(key("admin", r.ID)) {
			rs.Administration = append(rs.Administration, r)
		}
	}
}
