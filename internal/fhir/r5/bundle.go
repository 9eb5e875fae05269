package r5

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bundle represents a FHIR R5 Bundle of resources.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"` // document | message | transaction | collection | ...
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry holds one resource of a bundle, still encoded.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource"`
}

// Resources is a bundle decoded into the resource types the case mapper reads
type Resources struct {
	Patients            []Patient
	Observations        []Observation
	Conditions          []Condition
	AllergyIntolerances []AllergyIntolerance
	MedicationRequests  []MedicationRequest
	// Ignored counts entries of other resource types
	Ignored int
}

// ParseBundle decodes a Bundle and its entries. Unknown resource types are
// counted and skipped.
func ParseBundle(data []byte) (*Bundle, *Resources, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, nil, fmt.Errorf("decode bundle: %w", err)
	}
	if b.ResourceType != "Bundle" {
		return nil, nil, fmt.Errorf("resourceType %q is not Bundle", b.ResourceType)
	}

	res := &Resources{}
	for i, e := range b.Entry {
		var head struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(e.Resource, &head); err != nil {
			return nil, nil, fmt.Errorf("entry %d: %w", i, err)
		}

		var err error
		switch head.ResourceType {
		case "Patient":
			err = decodeInto(e.Resource, &res.Patients)
		case "Observation":
			err = decodeInto(e.Resource, &res.Observations)
		case "Condition":
			err = decodeInto(e.Resource, &res.Conditions)
		case "AllergyIntolerance":
			err = decodeInto(e.Resource, &res.AllergyIntolerances)
		case "MedicationRequest":
			err = decodeInto(e.Resource, &res.MedicationRequests)
		default:
			res.Ignored++
		}
		if err != nil {
			return nil, nil, fmt.Errorf("entry %d (%s): %w", i, head.ResourceType, err)
		}
	}
	return &b, res, nil
}

func decodeInto[T any](raw json.RawMessage, dst *[]T) error {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	*dst = append(*dst, v)
	return nil
}
