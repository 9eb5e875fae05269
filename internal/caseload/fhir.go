package caseload

import (
	"fmt"
	"sort"
	"time"

	"github.com/drfirst/go-hpkb/internal/domain/audit"
	"github.com/drfirst/go-hpkb/internal/fhir/r5"
)

// FHIR administrative gender to label vocabulary
var genderSex = map[string]string{
	"male":   audit.SexMale,
	"female": audit.SexFemale,
}

// periodUnits maps UCUM time units used by Timing to their label spelling
var periodUnits = map[string]string{
	"h":  "小时",
	"d":  "日",
	"wk": "周",
	"mo": "月",
}

// durationUnits maps UCUM time units used by bounds to their label spelling
var durationUnits = map[string]string{
	"d":  "天",
	"wk": "周",
	"mo": "月",
}

// FromBundle maps a FHIR R5 Bundle to a patient case. Ages are computed at
// the bundle timestamp, or at now when the bundle has none.
func FromBundle(data []byte, now time.Time) (*audit.PatientCase, error) {
	bundle, res, err := r5.ParseBundle(data)
	if err != nil {
		return nil, err
	}
	if len(res.Patients) != 1 {
		return nil, &MapError{Field: "Patient", Reason: fmt.Sprintf("bundle holds %d patients, want 1", len(res.Patients))}
	}
	patient := res.Patients[0]

	at := now
	if bundle.Timestamp != nil {
		at = *bundle.Timestamp
	}

	c := &audit.PatientCase{ID: bundle.ID}
	if c.ID == "" {
		c.ID = patient.ID
	}
	if age, ok := patient.AgeAt(at); ok {
		c.AgeYears = &age
	}
	if sex, ok := genderSex[patient.Gender]; ok {
		c.Sex = audit.String(sex)
	}

	if err := applyObservations(c, res.Observations); err != nil {
		return nil, err
	}
	applyConditions(c, res.Conditions)
	applyAllergies(c, res.AllergyIntolerances)

	for i := range res.MedicationRequests {
		mr := &res.MedicationRequests[i]
		if !mr.IsAuditable() {
			continue
		}
		rx, err := prescription(mr)
		if err != nil {
			return nil, err
		}
		c.Prescriptions = append(c.Prescriptions, rx)
	}

	Normalize(c)
	return c, nil
}

func applyObservations(c *audit.PatientCase, observations []r5.Observation) error {
	// newest reading wins
	sort.SliceStable(observations, func(i, j int) bool {
		a, b := observations[i].EffectiveDateTime, observations[j].EffectiveDateTime
		if a == nil || b == nil {
			return a == nil && b != nil
		}
		return a.Before(*b)
	})

	for i := range observations {
		o := &observations[i]
		if !o.IsUsable() {
			continue
		}
		switch {
		case o.Code.HasCode(r5.SystemLOINC, r5.LOINCBodyWeight):
			q := o.ValueQuantity
			if q == nil || q.Value == nil {
				continue
			}
			if q.Unit != "kg" && q.Code != "kg" {
				return &MapError{Field: "Observation/" + o.ID, Reason: fmt.Sprintf("body weight unit %q", q.Unit)}
			}
			c.WeightKg = audit.Float(*q.Value)
		case o.Code.HasCode(r5.SystemLOINC, r5.LOINCAge):
			if q := o.ValueQuantity; q != nil && q.Value != nil && (q.Unit == "a" || q.Unit == "岁" || q.Unit == "years") {
				c.AgeYears = audit.Float(*q.Value)
			}
		case o.Code.HasCode(r5.SystemLOINC, r5.LOINCPregnancyStatus):
			switch o.ValueCodeableConcept.Code(r5.SystemLOINC) {
			case r5.LOINCPregnant:
				c.PregnancyStatus = audit.String(audit.Pregnant)
			case r5.LOINCNotPregnant:
				c.PregnancyStatus = audit.String(audit.NotPregnant)
			}
		case o.Code.HasCode(r5.SystemCaseAttribute, r5.AttributeRenalImpairment):
			if v := o.ValueCodeableConcept.Name(); v != "" {
				c.RenalImpairment = audit.String(v)
			}
		case o.Code.HasCode(r5.SystemCaseAttribute, r5.AttributeHepaticImpairment):
			if v := o.ValueCodeableConcept.Name(); v != "" {
				c.HepaticImpairment = audit.String(v)
			}
		case o.Code.HasCode(r5.SystemLOINC, r5.LOINCLactation):
			switch o.ValueCodeableConcept.Code(r5.SystemCaseAttribute) {
			case r5.AttributeLactating:
				c.LactationStatus = audit.String(audit.Lactating)
			case r5.AttributeNotLactating:
				c.LactationStatus = audit.String(audit.NotLactating)
			}
		}
	}
	return nil
}

// applyConditions sets the case conditions. A bundle without Condition
// entries leaves them unknown.
func applyConditions(c *audit.PatientCase, conditions []r5.Condition) {
	if len(conditions) == 0 {
		return
	}
	c.Conditions = []string{}
	for i := range conditions {
		cond := &conditions[i]
		if !cond.IsActive() {
			continue
		}
		if name := cond.Code.Name(); name != "" {
			c.Conditions = append(c.Conditions, name)
		}
	}
}

// applyAllergies sets the case allergies. Only a recorded allergy or an
// explicit no-known-allergy entry makes the allergy list known.
func applyAllergies(c *audit.PatientCase, allergies []r5.AllergyIntolerance) {
	for i := range allergies {
		a := &allergies[i]
		if a.IsRefuted() {
			continue
		}
		if c.Allergies == nil {
			c.Allergies = []string{}
		}
		if a.IsNoKnownAllergy() {
			continue
		}
		if name := a.Code.Name(); name != "" {
			c.Allergies = append(c.Allergies, name)
		}
	}
}

func prescription(mr *r5.MedicationRequest) (audit.Prescription, error) {
	rx := audit.Prescription{Drug: mr.GetMedicationDisplay()}
	if rx.Drug == "" {
		return rx, &MapError{Field: "MedicationRequest/" + mr.ID, Reason: "medication has no name"}
	}

	d := mr.PrimaryDosage()
	if d == nil {
		return rx, nil
	}
	if q := d.Dose(); q != nil && q.Value != nil {
		rx.Dose = &audit.Quantity{Value: *q.Value, Unit: q.Unit}
	}
	if name := d.Route.Name(); name != "" {
		rx.Route = audit.String(name)
	}
	if d.Timing == nil || d.Timing.Repeat == nil {
		return rx, nil
	}

	rep := d.Timing.Repeat
	if rep.Frequency > 0 {
		period := rep.Period
		if period == 0 {
			period = 1
		}
		if rep.PeriodUnit == "h" && 24/period == float64(int(24/period)) {
			// q8h reads as 3 次/日 on labels
			rx.Frequency = &audit.Frequency{Value: float64(rep.Frequency) * 24 / period, Unit: "次/日"}
		} else if unit, ok := periodUnits[rep.PeriodUnit]; ok && period == 1 {
			rx.Frequency = &audit.Frequency{Value: float64(rep.Frequency), Unit: "次/" + unit}
		}
	}
	if rx.Dose != nil && rx.Frequency != nil && rx.Frequency.Unit == "次/日" {
		rx.DailyDose = &audit.Quantity{Value: rx.Dose.Value * rx.Frequency.Value, Unit: rx.Dose.Unit}
	}
	if b := rep.BoundsDuration; b != nil && b.Value != nil {
		unit := b.Unit
		if u, ok := durationUnits[b.Code]; ok {
			unit = u
		}
		rx.Duration = &audit.Quantity{Value: *b.Value, Unit: unit}
	}
	return rx, nil
}
