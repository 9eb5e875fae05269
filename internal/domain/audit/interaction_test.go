package audit

import "testing"

func TestFindInteractions(t *testing.T) {
	records := []InteractionDetail{
		{InteractionID: "1", PrecipitantDrug: "阿贝西利片", AffectedTarget: "酮康唑", Severity: "严重"},
		{InteractionID: "2", PrecipitantDrug: "阿贝西利片", AffectedTarget: "强效CYP3A抑制剂",
			AffectedTargetExamples: []string{"克拉霉素", "伊曲康唑"}, Severity: "中度"},
		{InteractionID: "3", PrecipitantDrug: "阿贝西利片", AffectedTarget: "阿贝西利片", Severity: "轻度"},
		{InteractionID: "4", PrecipitantDrug: "华法林钠片", AffectedTarget: "阿贝西利片", Severity: "轻度"},
		{InteractionID: "5", PrecipitantDrug: "阿贝西利片", AffectedTarget: "肝功能损害", Severity: "中度"},
	}

	tests := []struct {
		name       string
		drugs      []string
		conditions []string
		want       []string
	}{
		{"single drug never pairs with itself", []string{"阿贝西利片"}, nil, nil},
		{"duplicate prescriptions do not form self pairs", []string{"阿贝西利片", "阿贝西利片"}, nil, nil},
		{"direct target", []string{"阿贝西利片", "酮康唑"}, nil, []string{"1"}},
		{"explicit example", []string{"克拉霉素", "阿贝西利片"}, nil, []string{"2"}},
		{"class name is not expanded", []string{"阿贝西利片", "伏立康唑"}, nil, nil},
		{"both directions", []string{"华法林钠片", "阿贝西利片"}, nil, []string{"4"}},
		{"condition target", []string{"阿贝西利片"}, []string{"肝功能损害"}, []string{"5"}},
		{"repeated condition matches once", []string{"阿贝西利片"}, []string{"肝功能损害", "肝功能损害"}, []string{"5"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &PatientCase{Conditions: tt.conditions}
			for _, d := range tt.drugs {
				c.Prescriptions = append(c.Prescriptions, Prescription{Drug: d})
			}
			got := FindInteractions(c, records)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d matches %+v, want %v", len(got), got, tt.want)
			}
			for i, m := range got {
				if m.Detail.InteractionID != tt.want[i] {
					t.Errorf("match %d = %s, want %s", i, m.Detail.InteractionID, tt.want[i])
				}
				if m.Precipitant == m.Target {
					t.Errorf("self pair reported: %+v", m)
				}
			}
		})
	}
}

func TestFindInteractionsCopiesSeverity(t *testing.T) {
	rec := InteractionDetail{InteractionID: "1", PrecipitantDrug: "A", AffectedTarget: "B", Severity: "中度"}
	c := &PatientCase{Prescriptions: []Prescription{{Drug: "A"}, {Drug: "B"}}}

	got := FindInteractions(c, []InteractionDetail{rec})
	if len(got) != 1 {
		t.Fatalf("got %d matches", len(got))
	}
	if got[0].Detail.Severity != "中度" {
		t.Errorf("severity = %q, want verbatim 中度", got[0].Detail.Severity)
	}
	if f := interaction(got[0]); f.Severity != SeverityModerate || f.Category != CategoryWarning {
		t.Errorf("finding = %+v", f)
	}
}
