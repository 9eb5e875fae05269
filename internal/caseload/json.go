// Package caseload reads patient cases from JSON documents and FHIR R5
// bundles and normalises their names before they reach the audit engine.
package caseload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/drfirst/go-hpkb/internal/domain/audit"
	"github.com/drfirst/go-hpkb/pkg/textnorm"
)

// unknownValue is how case files spell a value that was not recorded
const unknownValue = "未知"

// MapError describes a case document that could not be mapped
type MapError struct {
	Index  int
	Field  string
	Reason string
}

func (e *MapError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("case %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("case %d: %s: %s", e.Index, e.Field, e.Reason)
}

// DecodeCases parses a JSON document holding one case or an array of cases.
// Each case may be wrapped in an "input_data" object and may use either the
// native field names or the patient_profile/prescription_orders layout.
func DecodeCases(data []byte) ([]*audit.PatientCase, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, audit.ErrCaseNotFound
	}

	var raws []json.RawMessage
	if data[0] == '[' {
		if err := json.Unmarshal(data, &raws); err != nil {
			return nil, fmt.Errorf("decode case list: %w", err)
		}
	} else {
		raws = []json.RawMessage{data}
	}
	if len(raws) == 0 {
		return nil, audit.ErrCaseNotFound
	}

	cases := make([]*audit.PatientCase, 0, len(raws))
	for i, raw := range raws {
		c, err := decodeCase(raw)
		if err != nil {
			var me *MapError
			if errors.As(err, &me) {
				me.Index = i
				return nil, me
			}
			return nil, fmt.Errorf("case %d: %w", i, err)
		}
		if c.ID == "" {
			c.ID = fmt.Sprintf("unknown_case_%d", i)
		}
		Normalize(c)
		cases = append(cases, c)
	}
	return cases, nil
}

// envelope exposes the keys that decide how a case is laid out
type envelope struct {
	InputData      json.RawMessage `json:"input_data"`
	PatientProfile json.RawMessage `json:"patient_profile"`
}

func decodeCase(raw json.RawMessage) (*audit.PatientCase, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if len(env.InputData) > 0 {
		raw = env.InputData
		env = envelope{}
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, &MapError{Field: "input_data", Reason: err.Error()}
		}
	}

	if len(env.PatientProfile) > 0 {
		var lc legacyCase
		if err := json.Unmarshal(raw, &lc); err != nil {
			return nil, err
		}
		return lc.toCase()
	}

	var c audit.PatientCase
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// measure accepts either a bare number or {"value": n, "unit": "..."}
type measure struct {
	Value *float64
	Unit  string
}

func (m *measure) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		m.Value = &n
		return nil
	}
	var obj struct {
		Value *float64 `json:"value"`
		Unit  string   `json:"unit"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("expected number or {value, unit}: %w", err)
	}
	m.Value, m.Unit = obj.Value, obj.Unit
	return nil
}

type organFunction struct {
	Renal   *string `json:"renal_impairment"`
	Hepatic *string `json:"hepatic_impairment"`
}

type legacyProfile struct {
	Age             *measure       `json:"age"`
	Weight          *measure       `json:"weight"`
	Gender          *string        `json:"gender"`
	OrganFunction   *organFunction `json:"organ_function"`
	PregnancyStatus *string        `json:"pregnancy_status"`
	LactationStatus *string        `json:"lactation_status"`
	Diagnoses       []string       `json:"diagnoses"`
	Allergies       []string       `json:"allergies"`
}

type legacyOrder struct {
	DrugName  string           `json:"drug_name"`
	Dose      *audit.Quantity  `json:"dose"`
	DailyDose *audit.Quantity  `json:"daily_dose"`
	Frequency *audit.Frequency `json:"frequency"`
	Route     *string          `json:"route"`
	Duration  *audit.Quantity  `json:"duration"`
}

type legacyCase struct {
	CaseID  string        `json:"case_id"`
	Profile legacyProfile `json:"patient_profile"`
	Orders  []legacyOrder `json:"prescription_orders"`
}

func (lc *legacyCase) toCase() (*audit.PatientCase, error) {
	p := lc.Profile
	c := &audit.PatientCase{
		ID:              lc.CaseID,
		Sex:             p.Gender,
		PregnancyStatus: p.PregnancyStatus,
		LactationStatus: p.LactationStatus,
		Conditions:      p.Diagnoses,
		Allergies:       p.Allergies,
	}
	if p.Age != nil {
		if p.Age.Unit != "" && p.Age.Unit != "岁" && p.Age.Unit != "years" {
			return nil, &MapError{Field: "patient_profile.age", Reason: fmt.Sprintf("unsupported unit %q", p.Age.Unit)}
		}
		c.AgeYears = p.Age.Value
	}
	if p.Weight != nil {
		if p.Weight.Unit != "" && p.Weight.Unit != "kg" {
			return nil, &MapError{Field: "patient_profile.weight", Reason: fmt.Sprintf("unsupported unit %q", p.Weight.Unit)}
		}
		c.WeightKg = p.Weight.Value
	}
	if p.OrganFunction != nil {
		c.RenalImpairment = p.OrganFunction.Renal
		c.HepaticImpairment = p.OrganFunction.Hepatic
	}
	for _, o := range lc.Orders {
		c.Prescriptions = append(c.Prescriptions, audit.Prescription{
			Drug:      o.DrugName,
			Dose:      o.Dose,
			DailyDose: o.DailyDose,
			Frequency: o.Frequency,
			Route:     o.Route,
			Duration:  o.Duration,
		})
	}
	return c, nil
}

// Normalize canonicalises every name in the case in place. Categorical
// values recorded as unknown become nil.
func Normalize(c *audit.PatientCase) {
	c.ID = textnorm.Name(c.ID)
	c.Sex = categorical(c.Sex)
	c.RenalImpairment = categorical(c.RenalImpairment)
	c.HepaticImpairment = categorical(c.HepaticImpairment)
	c.PregnancyStatus = categorical(c.PregnancyStatus)
	c.LactationStatus = categorical(c.LactationStatus)
	c.Conditions = textnorm.Names(c.Conditions)
	c.Allergies = textnorm.Names(c.Allergies)
	for i := range c.Prescriptions {
		rx := &c.Prescriptions[i]
		rx.Drug = textnorm.Name(rx.Drug)
		rx.Route = textnorm.Ptr(rx.Route)
		for _, q := range []*audit.Quantity{rx.Dose, rx.DailyDose, rx.Duration} {
			if q != nil {
				q.Unit = textnorm.Name(q.Unit)
			}
		}
		if rx.Frequency != nil {
			rx.Frequency.Unit = textnorm.Name(rx.Frequency.Unit)
		}
	}
}

func categorical(s *string) *string {
	v := textnorm.Ptr(s)
	if v != nil && *v == unknownValue {
		return nil
	}
	return v
}
