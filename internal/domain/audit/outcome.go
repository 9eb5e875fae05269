package audit

import (
	"encoding/json"
	"fmt"
)

// Outcome is the three-valued result of evaluating a rule predicate
type Outcome int

const (
	// NoMatch means at least one constrained field definitely does not hold
	NoMatch Outcome = iota
	// Match means every constrained field holds
	Match
	// Indeterminate means missing case data prevented a decision
	Indeterminate
)

func (o Outcome) String() string {
	switch o {
	case Match:
		return "MATCH"
	case NoMatch:
		return "NO_MATCH"
	case Indeterminate:
		return "INDETERMINATE"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// MarshalJSON encodes the outcome by name
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// and combines two outcomes with Kleene conjunction: a definite NO_MATCH
// dominates, then INDETERMINATE, then MATCH.
func and(a, b Outcome) Outcome {
	switch {
	case a == NoMatch || b == NoMatch:
		return NoMatch
	case a == Indeterminate || b == Indeterminate:
		return Indeterminate
	default:
		return Match
	}
}

// DosageVerdict is the result of checking a prescription against a dosage envelope
type DosageVerdict int

const (
	Compliant DosageVerdict = iota
	DosageIndeterminate
	NonCompliant
	DataMismatch
)

func (v DosageVerdict) String() string {
	switch v {
	case Compliant:
		return "COMPLIANT"
	case DosageIndeterminate:
		return "INDETERMINATE"
	case NonCompliant:
		return "NON_COMPLIANT"
	case DataMismatch:
		return "DATA_MISMATCH"
	default:
		return fmt.Sprintf("DosageVerdict(%d)", int(v))
	}
}

// MarshalJSON encodes the verdict by name
func (v DosageVerdict) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}
