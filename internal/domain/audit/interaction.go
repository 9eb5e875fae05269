package audit

// InteractionMatch is an interaction record that applies to the case
type InteractionMatch struct {
	Precipitant  string            `json:"precipitant"`
	Target       string            `json:"target"`
	ViaExample   bool              `json:"via_example,omitempty"`
	ViaCondition bool              `json:"via_condition,omitempty"`
	Detail       InteractionDetail `json:"detail"`
}

// FindInteractions returns the records whose precipitant is a case drug and
// whose affected target is another case drug or a case condition. Targets
// are matched by exact name against the record's target or its listed
// examples; drug classes are not expanded.
func FindInteractions(c *PatientCase, records []InteractionDetail) []InteractionMatch {
	drugs := c.DrugNames()
	conditions := c.ConditionNames()
	inCase := make(map[string]struct{}, len(drugs))
	for _, d := range drugs {
		inCase[d] = struct{}{}
	}

	var matches []InteractionMatch
	for _, rec := range records {
		if _, ok := inCase[rec.PrecipitantDrug]; !ok {
			continue
		}
		for _, target := range drugs {
			if target == rec.PrecipitantDrug {
				continue
			}
			if named, viaExample := targets(rec, target); named {
				matches = append(matches, InteractionMatch{
					Precipitant: rec.PrecipitantDrug,
					Target:      target,
					ViaExample:  viaExample,
					Detail:      rec,
				})
			}
		}
		for _, cond := range conditions {
			if cond == rec.PrecipitantDrug {
				continue
			}
			if named, viaExample := targets(rec, cond); named {
				matches = append(matches, InteractionMatch{
					Precipitant:  rec.PrecipitantDrug,
					Target:       cond,
					ViaExample:   viaExample,
					ViaCondition: true,
					Detail:       rec,
				})
			}
		}
	}
	return matches
}

func targets(rec InteractionDetail, name string) (named, viaExample bool) {
	if rec.AffectedTarget == name {
		return true, false
	}
	if contains(rec.AffectedTargetExamples, name) {
		return true, true
	}
	return false, false
}
