package r5

import "time"

// MedicationRequest represents a FHIR R5 MedicationRequest resource.
type MedicationRequest struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`

	// Status of the prescription
	Status string `json:"status"` // active | on-hold | cancelled | completed | entered-in-error | stopped | draft | unknown

	// Intent of the request
	Intent string `json:"intent"`

	// Medication being requested (R5 uses CodeableReference)
	Medication CodeableReference `json:"medication"`

	// Subject (patient) for whom the medication is prescribed
	Subject Reference `json:"subject"`

	AuthoredOn *time.Time `json:"authoredOn,omitempty"`

	Note []Annotation `json:"note,omitempty"`

	// Rendered dosage instruction (human-readable sig)
	RenderedDosageInstruction string `json:"renderedDosageInstruction,omitempty"`

	DosageInstruction []Dosage `json:"dosageInstruction,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Sequence    int              `json:"sequence,omitempty"`
	Text        string           `json:"text,omitempty"`
	Timing      *Timing          `json:"timing,omitempty"`
	AsNeeded    bool             `json:"asNeeded,omitempty"`
	Route       *CodeableConcept `json:"route,omitempty"`
	Method      *CodeableConcept `json:"method,omitempty"`
	DoseAndRate []DoseAndRate    `json:"doseAndRate,omitempty"`
}

// DoseAndRate contains dose/rate information.
type DoseAndRate struct {
	Type         *CodeableConcept `json:"type,omitempty"`
	DoseRange    *Range           `json:"doseRange,omitempty"`
	DoseQuantity *Quantity        `json:"doseQuantity,omitempty"`
}

// Timing contains timing information for dosage.
type Timing struct {
	Repeat *TimingRepeat    `json:"repeat,omitempty"`
	Code   *CodeableConcept `json:"code,omitempty"`
}

// TimingRepeat contains repeat details for timing.
type TimingRepeat struct {
	BoundsDuration *Duration `json:"boundsDuration,omitempty"`
	Count          int       `json:"count,omitempty"`
	Frequency      int       `json:"frequency,omitempty"`
	Period         float64   `json:"period,omitempty"`
	PeriodUnit     string    `json:"periodUnit,omitempty"` // s | min | h | d | wk | mo | a
	When           []string  `json:"when,omitempty"`
}

// GetPatientID extracts the patient ID from the Subject reference.
func (m *MedicationRequest) GetPatientID() string {
	return m.Subject.ID()
}

// GetMedicationDisplay returns the display name of the medication.
func (m *MedicationRequest) GetMedicationDisplay() string {
	if m.Medication.Concept != nil {
		if name := m.Medication.Concept.Name(); name != "" {
			return name
		}
	}
	if m.Medication.Reference != nil {
		return m.Medication.Reference.Display
	}
	return ""
}

// PrimaryDosage returns the first dosage instruction, or nil.
func (m *MedicationRequest) PrimaryDosage() *Dosage {
	if len(m.DosageInstruction) == 0 {
		return nil
	}
	return &m.DosageInstruction[0]
}

// IsAuditable reports whether the request is still meant to be dispensed.
func (m *MedicationRequest) IsAuditable() bool {
	switch m.Status {
	case StatusCancelled, StatusEnteredInError, StatusStopped, StatusCompleted:
		return false
	}
	return true
}

// Dose returns the first dose quantity of the instruction.
func (d *Dosage) Dose() *Quantity {
	for _, dr := range d.DoseAndRate {
		if dr.DoseQuantity != nil {
			return dr.DoseQuantity
		}
	}
	return nil
}
