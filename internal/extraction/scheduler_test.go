package extraction

import (
	"errors"
	"testing"

	"github.com/cliniscribe/notegen-backend/internal/apperr"
	"github.com/cliniscribe/notegen-backend/internal/domain"
)

func soapTemplates() []domain.TemplateRequest {
	return []domain.TemplateRequest{
		{
			TemplateID: "soap",
			Sections: []domain.TemplateSectionRequest{
				{SectionID: "S", Type: "subjective", Prompt: "Summarize the patient's complaints."},
				{SectionID: "O", Type: "objective", Prompt: "Summarize exam findings."},
				{SectionID: "A", Type: "assessment", Prompt: "Assess.", DependsOn: []string{"S", "O"}},
				{SectionID: "P", Type: "plan", Prompt: "Plan.", DependsOn: []string{"A"}},
			},
		},
		{
			TemplateID: "referral",
			Sections: []domain.TemplateSectionRequest{
				{SectionID: "R", Type: "referral", Prompt: "Referral letter.", DependsOn: []string{"A"}},
			},
		},
	}
}

func TestFlattenTemplatesAssignsOrderAcrossTemplates(t *testing.T) {
	specs, err := FlattenTemplates(soapTemplates())
	if err != nil {
		t.Fatalf("FlattenTemplates: %v", err)
	}
	if len(specs) != 5 {
		t.Fatalf("got %d specs", len(specs))
	}
	for i, s := range specs {
		if s.OrderIndex != i {
			t.Errorf("spec %s order_index = %d, want %d", s.SectionID, s.OrderIndex, i)
		}
	}
	if specs[4].SectionID != "R" || specs[4].TemplateID != "referral" {
		t.Fatalf("cross-template section misplaced: %+v", specs[4])
	}
	if specs[0].Type != domain.SectionSubjective {
		t.Fatalf("type = %q", specs[0].Type)
	}
}

func TestFlattenTemplatesNormalizesTypeCase(t *testing.T) {
	specs, err := FlattenTemplates([]domain.TemplateRequest{{
		TemplateID: "t",
		Sections:   []domain.TemplateSectionRequest{{SectionID: "s1", Type: " Subjective "}},
	}})
	if err != nil {
		t.Fatalf("FlattenTemplates: %v", err)
	}
	if specs[0].Type != domain.SectionSubjective {
		t.Fatalf("type = %q", specs[0].Type)
	}
}

func TestFlattenTemplatesRejections(t *testing.T) {
	cases := []struct {
		name      string
		templates []domain.TemplateRequest
	}{
		{"no templates", nil},
		{"missing template id", []domain.TemplateRequest{{
			Sections: []domain.TemplateSectionRequest{{SectionID: "s", Type: "plan"}},
		}}},
		{"empty template", []domain.TemplateRequest{{TemplateID: "t"}}},
		{"missing section id", []domain.TemplateRequest{{
			TemplateID: "t",
			Sections:   []domain.TemplateSectionRequest{{Type: "plan"}},
		}}},
		{"unknown type", []domain.TemplateRequest{{
			TemplateID: "t",
			Sections:   []domain.TemplateSectionRequest{{SectionID: "s", Type: "haiku"}},
		}}},
		{"duplicate section id", []domain.TemplateRequest{{
			TemplateID: "t",
			Sections: []domain.TemplateSectionRequest{
				{SectionID: "s", Type: "plan"},
				{SectionID: "s", Type: "objective"},
			},
		}}},
		{"unknown dependency", []domain.TemplateRequest{{
			TemplateID: "t",
			Sections: []domain.TemplateSectionRequest{
				{SectionID: "s", Type: "plan", DependsOn: []string{"ghost"}},
			},
		}}},
		{"self dependency", []domain.TemplateRequest{{
			TemplateID: "t",
			Sections: []domain.TemplateSectionRequest{
				{SectionID: "s", Type: "plan", DependsOn: []string{"s"}},
			},
		}}},
		{"cycle", []domain.TemplateRequest{{
			TemplateID: "t",
			Sections: []domain.TemplateSectionRequest{
				{SectionID: "a", Type: "plan", DependsOn: []string{"b"}},
				{SectionID: "b", Type: "objective", DependsOn: []string{"a"}},
			},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FlattenTemplates(tc.templates)
			if !errors.Is(err, apperr.ErrInvalidRequest) {
				t.Fatalf("err = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestReadySectionsFollowsDependencies(t *testing.T) {
	specs, err := FlattenTemplates(soapTemplates())
	if err != nil {
		t.Fatalf("FlattenTemplates: %v", err)
	}

	accepted := map[string]bool{}
	started := map[string]bool{}

	ready := ReadySections(specs, accepted, started)
	if len(ready) != 2 || ready[0].SectionID != "S" || ready[1].SectionID != "O" {
		t.Fatalf("initial ready = %+v", sectionIDsOf(ready))
	}

	started["S"], started["O"] = true, true
	if got := ReadySections(specs, accepted, started); len(got) != 0 {
		t.Fatalf("ready while roots in flight = %v", sectionIDsOf(got))
	}

	accepted["S"] = true
	if got := ReadySections(specs, accepted, started); len(got) != 0 {
		t.Fatalf("A ready with only S accepted = %v", sectionIDsOf(got))
	}

	accepted["O"] = true
	ready = ReadySections(specs, accepted, started)
	if len(ready) != 1 || ready[0].SectionID != "A" {
		t.Fatalf("ready after S,O = %v", sectionIDsOf(ready))
	}

	started["A"], accepted["A"] = true, true
	ready = ReadySections(specs, accepted, started)
	if len(ready) != 2 || ready[0].SectionID != "P" || ready[1].SectionID != "R" {
		t.Fatalf("ready after A = %v", sectionIDsOf(ready))
	}
}

func TestDependentsOf(t *testing.T) {
	specs, err := FlattenTemplates(soapTemplates())
	if err != nil {
		t.Fatalf("FlattenTemplates: %v", err)
	}
	deps := DependentsOf(specs)
	if got := deps["A"]; len(got) != 2 || got[0] != "P" || got[1] != "R" {
		t.Fatalf("dependents of A = %v", got)
	}
	if got := deps["P"]; len(got) != 0 {
		t.Fatalf("dependents of P = %v", got)
	}
}

func sectionIDsOf(specs []domain.SectionSpec) []string {
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.SectionID
	}
	return out
}
