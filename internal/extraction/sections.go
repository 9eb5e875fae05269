// Package extraction turns drug-label sections into validated structured
// payloads by prompting a chat-completion model, logging every attempt.
package extraction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/drfirst/go-hpkb/internal/domain/audit"
)

// Section names as stored in the extraction log. Dosage and administration
// come from the same label section but are extracted by separate tasks.
const (
	SectionDrugName           = "【药品名称】"
	SectionComposition        = "【成份】"
	SectionIndication         = "【适应症】"
	SectionContraindication   = "【禁忌】"
	SectionDosage             = "【用法用量】-Dosage"
	SectionAdministration     = "【用法用量】-Administration"
	SectionSpecialPopulations = "【特殊人群用药】"
	SectionInteraction        = "【药物相互作用】"
)

var (
	// ErrUnknownSection is returned for a section with no payload type
	ErrUnknownSection = errors.New("unknown section")
	// ErrEmptyResponse is returned when the model answers with no content
	ErrEmptyResponse = errors.New("empty model response")
)

// ValidationError describes a payload that decoded but violates its schema
type ValidationError struct {
	Section string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Section, e.Field, e.Message)
}

// Payload is the structured result of one section extraction
type Payload interface {
	Validate() error
}

// SectionPayload maps every known section to a constructor for its payload
var SectionPayload = map[string]func() Payload{
	SectionDrugName:           func() Payload { return &DrugMetadata{} },
	SectionComposition:        func() Payload { return &CompositionPayload{} },
	SectionIndication:         func() Payload { return &IndicationPayload{} },
	SectionContraindication:   func() Payload { return &ContraindicationPayload{} },
	SectionDosage:             func() Payload { return &DosagePayload{} },
	SectionAdministration:     func() Payload { return &AdministrationPayload{} },
	SectionSpecialPopulations: func() Payload { return &SpecialPopulationsPayload{} },
	SectionInteraction:        func() Payload { return &InteractionPayload{} },
}

// Sections returns the known section names in extraction order
func Sections() []string {
	return []string{
		SectionDrugName, SectionComposition, SectionIndication, SectionContraindication,
		SectionDosage, SectionAdministration, SectionSpecialPopulations, SectionInteraction,
	}
}

// DecodePayload parses raw JSON into the payload type of section and validates it
func DecodePayload(section string, raw []byte) (Payload, error) {
	p, err := ParsePayload(section, raw)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ParsePayload parses raw JSON into the payload type of section without
// validating it. The loader uses it to drop bad rules one at a time.
func ParsePayload(section string, raw []byte) (Payload, error) {
	newPayload, ok := SectionPayload[section]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSection, section)
	}
	p := newPayload()
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(p); err != nil {
		return nil, &JSONError{Err: err}
	}
	return p, nil
}

// JSONError wraps a response that is not valid JSON for its payload type
type JSONError struct {
	Err error
}

func (e *JSONError) Error() string { return "invalid JSON: " + e.Err.Error() }
func (e *JSONError) Unwrap() error { return e.Err }

// DrugMetadata identifies the drug a label describes
type DrugMetadata struct {
	CanonicalName string   `json:"canonical_name"`
	GenericName   string   `json:"generic_name"`
	BrandNames    []string `json:"brand_names,omitempty"`
	EnglishName   *string  `json:"english_name,omitempty"`
}

func (p *DrugMetadata) Validate() error {
	if strings.TrimSpace(p.CanonicalName) == "" {
		return &ValidationError{Section: SectionDrugName, Field: "canonical_name", Message: "required"}
	}
	if strings.TrimSpace(p.GenericName) == "" {
		return &ValidationError{Section: SectionDrugName, Field: "generic_name", Message: "required"}
	}
	return nil
}

// Substance is one ingredient listed in the composition section
type Substance struct {
	Name       string `json:"substance_name"`
	Role       string `json:"role"`
	SourceText string `json:"source_text"`
}

// CompositionPayload lists active ingredients and excipients
type CompositionPayload struct {
	Substances []Substance `json:"for_graphdb_contains_relation"`
}

func (p *CompositionPayload) Validate() error {
	for i, s := range p.Substances {
		field := fmt.Sprintf("for_graphdb_contains_relation[%d]", i)
		if s.Name == "" {
			return &ValidationError{Section: SectionComposition, Field: field + ".substance_name", Message: "required"}
		}
		if s.Role != "活性成份" && s.Role != "辅料" {
			return &ValidationError{Section: SectionComposition, Field: field + ".role", Message: fmt.Sprintf("unknown role %q", s.Role)}
		}
	}
	return nil
}

// Indication is one disease or condition the drug treats, prevents or manages
type Indication struct {
	DiseaseName string  `json:"disease_name"`
	Action      string  `json:"action"`
	Context     *string `json:"context,omitempty"`
	SourceText  string  `json:"source_text"`
}

// IndicationPayload lists the drug's indications
type IndicationPayload struct {
	Indications []Indication `json:"for_graphdb_indicated_for_relation"`
}

func (p *IndicationPayload) Validate() error {
	for i, ind := range p.Indications {
		field := fmt.Sprintf("for_graphdb_indicated_for_relation[%d]", i)
		if ind.DiseaseName == "" {
			return &ValidationError{Section: SectionIndication, Field: field + ".disease_name", Message: "required"}
		}
		switch ind.Action {
		case "治疗", "预防", "管理":
		default:
			return &ValidationError{Section: SectionIndication, Field: field + ".action", Message: fmt.Sprintf("unknown action %q", ind.Action)}
		}
	}
	return nil
}

// ContraindicationEntry is a profile that must not receive the drug
type ContraindicationEntry struct {
	audit.PatientProfile
	SourceText string `json:"source_text"`
}

// AllergyEntry names a substance whose allergy contraindicates the drug
type AllergyEntry struct {
	TriggeringSubstance string `json:"triggering_substance_name"`
	SourceText          string `json:"source_text"`
}

// ContraindicationPayload is the 【禁忌】 section
type ContraindicationPayload struct {
	Contraindications []ContraindicationEntry `json:"for_contraindication_rules"`
	Allergies         []AllergyEntry          `json:"for_allergy_rules"`
}

func (p *ContraindicationPayload) Validate() error {
	if err := validateContraindications(SectionContraindication, p.Contraindications); err != nil {
		return err
	}
	for i, a := range p.Allergies {
		if a.TriggeringSubstance == "" {
			return &ValidationError{Section: SectionContraindication, Field: fmt.Sprintf("for_allergy_rules[%d].triggering_substance_name", i), Message: "required"}
		}
	}
	return nil
}

// DosageEntry is the dosage envelope for one patient profile
type DosageEntry struct {
	PatientProfile audit.PatientProfile `json:"patient_profile"`
	Dosage         audit.DosageEnvelope `json:"dosage"`
	SourceText     string               `json:"source_text"`
}

// DosagePayload holds the dosage rules of 【用法用量】
type DosagePayload struct {
	Rules []DosageEntry `json:"for_dosage_rules"`
}

func (p *DosagePayload) Validate() error {
	for i, r := range p.Rules {
		field := fmt.Sprintf("for_dosage_rules[%d]", i)
		if err := r.PatientProfile.Validate(); err != nil {
			return asValidation(SectionDosage, field+".patient_profile", err)
		}
		if err := r.Dosage.Validate(); err != nil {
			return asValidation(SectionDosage, field+".dosage", err)
		}
	}
	return nil
}

// AdministrationEntry is free-text usage guidance
type AdministrationEntry struct {
	Tags            []string `json:"tags"`
	InstructionText string   `json:"instruction_text"`
	IsComplex       bool     `json:"is_complex"`
	Summary         string   `json:"llm_summary"`
}

// AdministrationPayload holds the administration texts of 【用法用量】
type AdministrationPayload struct {
	Texts []AdministrationEntry `json:"for_administration_texts"`
}

func (p *AdministrationPayload) Validate() error {
	return validateTexts(SectionAdministration, p.Texts)
}

// SpecialPopulationsPayload is the 【特殊人群用药】 section
type SpecialPopulationsPayload struct {
	Contraindications []ContraindicationEntry `json:"for_contraindication_rules"`
	Texts             []AdministrationEntry   `json:"for_administration_texts"`
}

func (p *SpecialPopulationsPayload) Validate() error {
	if err := validateContraindications(SectionSpecialPopulations, p.Contraindications); err != nil {
		return err
	}
	return validateTexts(SectionSpecialPopulations, p.Texts)
}

// InteractionEntry is one documented interaction with the label's drug as precipitant
type InteractionEntry struct {
	InteractionID          string   `json:"interaction_id"`
	AffectedTarget         string   `json:"affected_target_name"`
	AffectedTargetExamples []string `json:"affected_target_examples,omitempty"`
	Severity               string   `json:"severity"`
	EffectSummary          string   `json:"effect_summary"`
	Mechanism              *string  `json:"mechanism,omitempty"`
	ClinicalManagement     string   `json:"clinical_management"`
	SourceText             string   `json:"source_text"`
}

// InteractionPayload is the 【药物相互作用】 section
type InteractionPayload struct {
	Interactions []InteractionEntry `json:"interactions"`
}

func (p *InteractionPayload) Validate() error {
	seen := make(map[string]struct{}, len(p.Interactions))
	for i, ix := range p.Interactions {
		field := fmt.Sprintf("interactions[%d]", i)
		if ix.InteractionID == "" {
			return &ValidationError{Section: SectionInteraction, Field: field + ".interaction_id", Message: "required"}
		}
		if _, dup := seen[ix.InteractionID]; dup {
			return &ValidationError{Section: SectionInteraction, Field: field + ".interaction_id", Message: "duplicate " + ix.InteractionID}
		}
		seen[ix.InteractionID] = struct{}{}
		if ix.AffectedTarget == "" {
			return &ValidationError{Section: SectionInteraction, Field: field + ".affected_target_name", Message: "required"}
		}
		switch ix.Severity {
		case "严重", "中度", "轻度":
		default:
			return &ValidationError{Section: SectionInteraction, Field: field + ".severity", Message: fmt.Sprintf("unknown severity %q", ix.Severity)}
		}
		if ix.EffectSummary == "" || ix.ClinicalManagement == "" {
			return &ValidationError{Section: SectionInteraction, Field: field, Message: "effect_summary and clinical_management are required"}
		}
	}
	return nil
}

func validateContraindications(section string, entries []ContraindicationEntry) error {
	for i, e := range entries {
		if err := e.PatientProfile.Validate(); err != nil {
			return asValidation(section, fmt.Sprintf("for_contraindication_rules[%d]", i), err)
		}
	}
	return nil
}

func validateTexts(section string, texts []AdministrationEntry) error {
	for i, t := range texts {
		if strings.TrimSpace(t.InstructionText) == "" {
			return &ValidationError{Section: section, Field: fmt.Sprintf("for_administration_texts[%d].instruction_text", i), Message: "required"}
		}
	}
	return nil
}

func asValidation(section, field string, err error) error {
	var ie *audit.IntegrityError
	if errors.As(err, &ie) {
		return &ValidationError{Section: section, Field: field + "." + ie.Field, Message: ie.Reason}
	}
	return &ValidationError{Section: section, Field: field, Message: err.Error()}
}
