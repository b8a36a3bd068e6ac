package extraction

import (
	"sort"
	"strings"

	"github.com/cliniscribe/notegen-backend/internal/apperr"
	"github.com/cliniscribe/notegen-backend/internal/domain"
)

// FlattenTemplates turns the requested templates into SectionSpecs, keeping
// the caller's ordering as order_index and validating the dependency graph.
// Section ids are unique across the whole template group so cross-template
// dependencies are expressible.
func FlattenTemplates(templates []domain.TemplateRequest) ([]domain.SectionSpec, error) {
	if len(templates) == 0 {
		return nil, apperr.Invalid("at least one template required")
	}

	var specs []domain.SectionSpec
	order := 0
	for _, tpl := range templates {
		templateID := strings.TrimSpace(tpl.TemplateID)
		if templateID == "" {
			return nil, apperr.Invalid("template missing template_id")
		}
		if len(tpl.Sections) == 0 {
			return nil, apperr.Invalid("template %q has no sections", templateID)
		}
		for _, sec := range tpl.Sections {
			sectionID := strings.TrimSpace(sec.SectionID)
			if sectionID == "" {
				return nil, apperr.Invalid("template %q has a section missing section_id", templateID)
			}
			secType := domain.SectionType(strings.ToLower(strings.TrimSpace(sec.Type)))
			if !domain.KnownSectionType(secType) {
				return nil, apperr.Invalid("section %q has unknown type %q", sectionID, sec.Type)
			}
			deps := make([]string, 0, len(sec.DependsOn))
			for _, d := range sec.DependsOn {
				d = strings.TrimSpace(d)
				if d != "" {
					deps = append(deps, d)
				}
			}
			specs = append(specs, domain.SectionSpec{
				TemplateID:   templateID,
				SectionID:    sectionID,
				Type:         secType,
				Prompt:       strings.TrimSpace(sec.Prompt),
				OrderIndex:   order,
				DependsOn:    deps,
				CustomFields: sec.Fields,
			})
			order++
		}
	}

	if err := validateSectionGraph(specs); err != nil {
		return nil, err
	}
	return specs, nil
}

// validateSectionGraph rejects duplicate ids, unknown dependencies, and
// cycles. Kahn topological walk, stable by order_index.
func validateSectionGraph(specs []domain.SectionSpec) error {
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if seen[s.SectionID] {
			return apperr.Invalid("duplicate section_id %q", s.SectionID)
		}
		seen[s.SectionID] = true
	}
	for _, s := range specs {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return apperr.Invalid("section %q depends on unknown section %q", s.SectionID, dep)
			}
			if dep == s.SectionID {
				return apperr.Invalid("section %q depends on itself", s.SectionID)
			}
		}
	}

	deg := make(map[string]int, len(specs))
	out := make(map[string][]string)
	for _, s := range specs {
		deg[s.SectionID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			out[dep] = append(out[dep], s.SectionID)
		}
	}

	resolved := 0
	done := make(map[string]bool, len(specs))
	for {
		progressed := false
		for _, s := range specs {
			if done[s.SectionID] || deg[s.SectionID] != 0 {
				continue
			}
			done[s.SectionID] = true
			resolved++
			for _, next := range out[s.SectionID] {
				deg[next]--
			}
			progressed = true
		}
		if !progressed {
			break
		}
	}
	if resolved != len(specs) {
		var stuck []string
		for _, s := range specs {
			if !done[s.SectionID] {
				stuck = append(stuck, s.SectionID)
			}
		}
		sort.Strings(stuck)
		return apperr.Invalid("dependency cycle involving sections: %s", strings.Join(stuck, ", "))
	}
	return nil
}

// ReadySections returns the specs whose dependencies are all in accepted,
// excluding those already started, ordered by order_index. This is the
// scheduling order within a dependency level.
func ReadySections(specs []domain.SectionSpec, accepted map[string]bool, started map[string]bool) []domain.SectionSpec {
	var ready []domain.SectionSpec
	for _, s := range specs {
		if started[s.SectionID] {
			continue
		}
		ok := true
		for _, dep := range s.DependsOn {
			if !accepted[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].OrderIndex < ready[j].OrderIndex
	})
	return ready
}

// DependentsOf maps each section to the sections that declared it as a
// dependency, used to cascade dependency_failed.
func DependentsOf(specs []domain.SectionSpec) map[string][]string {
	out := make(map[string][]string)
	for _, s := range specs {
		for _, dep := range s.DependsOn {
			out[dep] = append(out[dep], s.SectionID)
		}
	}
	return out
}
