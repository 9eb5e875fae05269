package audit

import (
	"fmt"
	"sort"
	"strings"
)

// Severity ranks findings
type Severity string

const (
	SeveritySevere        Severity = "severe"
	SeverityModerate      Severity = "moderate"
	SeverityMild          Severity = "mild"
	SeverityInformational Severity = "informational"
)

var severityRank = map[Severity]int{
	SeveritySevere:        0,
	SeverityModerate:      1,
	SeverityMild:          2,
	SeverityInformational: 3,
}

// ParseSeverity accepts the English names and the label vocabulary (严重/中度/轻度)
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "severe", "严重":
		return SeveritySevere, nil
	case "moderate", "中度":
		return SeverityModerate, nil
	case "mild", "轻度":
		return SeverityMild, nil
	case "informational", "info":
		return SeverityInformational, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// RuleType identifies which kind of rule produced a finding
type RuleType string

const (
	RuleContraindication RuleType = "contraindication"
	RuleInteraction      RuleType = "interaction"
	RuleDosage           RuleType = "dosage"
	RuleAllergy          RuleType = "allergy"
	RuleAdvisory         RuleType = "advisory_text"
)

var ruleTypeRank = map[RuleType]int{
	RuleContraindication: 0,
	RuleInteraction:      1,
	RuleDosage:           2,
	RuleAllergy:          3,
	RuleAdvisory:         4,
}

// Category classifies what a finding means for the reviewer
type Category string

const (
	// CategoryViolation is a rule that applies and is breached
	CategoryViolation Category = "violation"
	// CategoryWarning is an applicable caution such as an interaction
	CategoryWarning Category = "warning"
	// CategoryInformational is a matched rule that passed or plain guidance
	CategoryInformational Category = "informational"
	// CategoryNarrativeReview is complex guidance a pharmacist must read
	CategoryNarrativeReview Category = "narrative_review"
	// CategoryIndeterminate means missing case data blocked evaluation
	CategoryIndeterminate Category = "indeterminate"
	// CategoryDataMismatch means case and rule units are incompatible
	CategoryDataMismatch Category = "data_mismatch"
	// CategoryDataIntegrity means the rule itself is malformed and was skipped
	CategoryDataIntegrity Category = "data_integrity"
)

// Finding is one reportable outcome of evaluating a rule against a case
type Finding struct {
	RuleType    RuleType `json:"rule_type"`
	RuleID      string   `json:"rule_id"`
	Drug        string   `json:"drug"`
	Category    Category `json:"category"`
	Severity    Severity `json:"severity"`
	Explanation string   `json:"explanation"`
	Fields      []string `json:"fields,omitempty"`
	SourceText  string   `json:"source_text,omitempty"`
}

// SortFindings orders findings by severity, rule type and rule ID. The
// remaining keys only break ties so that output never depends on input order.
func SortFindings(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if ra, rb := rank(severityRank, a.Severity), rank(severityRank, b.Severity); ra != rb {
			return ra < rb
		}
		if ra, rb := rank(ruleTypeRank, a.RuleType), rank(ruleTypeRank, b.RuleType); ra != rb {
			return ra < rb
		}
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		if a.Drug != b.Drug {
			return a.Drug < b.Drug
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.Explanation != b.Explanation {
			return a.Explanation < b.Explanation
		}
		return strings.Join(a.Fields, ",") < strings.Join(b.Fields, ",")
	})
}

func rank[K comparable](ranks map[K]int, k K) int {
	if r, ok := ranks[k]; ok {
		return r
	}
	return len(ranks)
}
