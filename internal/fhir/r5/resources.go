package r5

import "time"

// Patient represents a FHIR R5 Patient resource.
type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Active       bool         `json:"active,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
	Gender       string       `json:"gender,omitempty"` // male | female | other | unknown
	BirthDate    string       `json:"birthDate,omitempty"`
}

// AgeAt returns the completed years between the birth date and at. Partial
// dates (YYYY, YYYY-MM) count from the start of the period.
func (p *Patient) AgeAt(at time.Time) (float64, bool) {
	if p.BirthDate == "" {
		return 0, false
	}
	var born time.Time
	var err error
	for _, layout := range []string{"2006-01-02", "2006-01", "2006"} {
		if born, err = time.Parse(layout, p.BirthDate); err == nil {
			break
		}
	}
	if err != nil || born.After(at) {
		return 0, false
	}
	years := at.Year() - born.Year()
	if at.Month() < born.Month() || (at.Month() == born.Month() && at.Day() < born.Day()) {
		years--
	}
	return float64(years), true
}

// Observation represents a FHIR R5 Observation resource.
type Observation struct {
	ResourceType         string           `json:"resourceType"`
	ID                   string           `json:"id,omitempty"`
	Status               string           `json:"status"` // registered | preliminary | final | amended | cancelled | entered-in-error
	Code                 CodeableConcept  `json:"code"`
	Subject              *Reference       `json:"subject,omitempty"`
	EffectiveDateTime    *time.Time       `json:"effectiveDateTime,omitempty"`
	ValueQuantity        *Quantity        `json:"valueQuantity,omitempty"`
	ValueCodeableConcept *CodeableConcept `json:"valueCodeableConcept,omitempty"`
	ValueString          string           `json:"valueString,omitempty"`
	ValueBoolean         *bool            `json:"valueBoolean,omitempty"`
}

// IsUsable reports whether the observation may be read
func (o *Observation) IsUsable() bool {
	return o.Status != "cancelled" && o.Status != StatusEnteredInError
}

// Condition represents a FHIR R5 Condition resource.
type Condition struct {
	ResourceType       string           `json:"resourceType"`
	ID                 string           `json:"id,omitempty"`
	ClinicalStatus     *CodeableConcept `json:"clinicalStatus,omitempty"`
	VerificationStatus *CodeableConcept `json:"verificationStatus,omitempty"`
	Severity           *CodeableConcept `json:"severity,omitempty"`
	Code               *CodeableConcept `json:"code,omitempty"`
	Subject            Reference        `json:"subject"`
}

// IsActive reports whether the condition is current. A missing clinical
// status counts as active.
func (c *Condition) IsActive() bool {
	status := c.ClinicalStatus.Code(SystemConditionClinical)
	return status == "" || status == "active" || status == "recurrence" || status == "relapse"
}

// AllergyIntolerance represents a FHIR R5 AllergyIntolerance resource.
type AllergyIntolerance struct {
	ResourceType       string           `json:"resourceType"`
	ID                 string           `json:"id,omitempty"`
	ClinicalStatus     *CodeableConcept `json:"clinicalStatus,omitempty"`
	VerificationStatus *CodeableConcept `json:"verificationStatus,omitempty"`
	Category           []string         `json:"category,omitempty"` // food | medication | environment | biologic
	Code               *CodeableConcept `json:"code,omitempty"`
	Patient            Reference        `json:"patient"`
}

// IsRefuted reports whether the allergy was ruled out or recorded in error
func (a *AllergyIntolerance) IsRefuted() bool {
	switch a.VerificationStatus.Code(SystemAllergyVerification) {
	case "refuted", StatusEnteredInError:
		return true
	}
	return false
}

// IsNoKnownAllergy reports whether the entry asserts the absence of allergies
func (a *AllergyIntolerance) IsNoKnownAllergy() bool {
	return a.Code.HasCode(SystemSNOMED, SNOMEDNoKnownAllergy)
}
