package extraction

import (
	"fmt"
	"strings"

	"github.com/cliniscribe/notegen-backend/internal/domain"
	"github.com/cliniscribe/notegen-backend/internal/preferences"
	"github.com/cliniscribe/notegen-backend/internal/vectorindex"
)

// Retrieval keywords per section type, appended to the section prompt when
// querying the vector index so retrieval leans toward the right material.
var sectionKeywords = map[domain.SectionType]map[string]string{
	domain.SectionSubjective: {
		"en": "chief complaint symptoms history of present illness onset duration patient reports",
		"fr": "motif de consultation symptômes histoire de la maladie actuelle début durée",
	},
	domain.SectionObjective: {
		"en": "vital signs physical exam findings measurements blood pressure temperature observations",
		"fr": "signes vitaux examen physique mesures tension artérielle température observations",
	},
	domain.SectionAssessment: {
		"en": "diagnosis assessment differential clinical impression condition",
		"fr": "diagnostic évaluation différentiel impression clinique condition",
	},
	domain.SectionPlan: {
		"en": "plan medications prescriptions follow-up referrals tests monitoring patient education",
		"fr": "plan médicaments ordonnances suivi références tests surveillance éducation patient",
	},
	domain.SectionVisitSummary: {
		"en": "visit summary reason for visit outcomes decisions next steps",
		"fr": "résumé de visite raison de visite résultats décisions prochaines étapes",
	},
	domain.SectionReferral: {
		"en": "referral specialist reason for referral urgency relevant findings",
		"fr": "référence spécialiste raison de référence urgence résultats pertinents",
	},
	domain.SectionPatientInfo: {
		"en": "patient name age date of birth demographics allergies medications history",
		"fr": "nom du patient âge date de naissance démographie allergies médicaments antécédents",
	},
}

// RetrievalQuery is the text used for the section's top-k chunk lookup.
func RetrievalQuery(spec domain.SectionSpec, language string) string {
	lang := "en"
	if strings.HasPrefix(strings.ToLower(language), "fr") {
		lang = "fr"
	}
	keywords := sectionKeywords[spec.Type][lang]
	if keywords == "" {
		keywords = string(spec.Type)
	}
	if spec.Prompt == "" {
		return keywords
	}
	return spec.Prompt + "\n" + keywords
}

func languageName(code string) string {
	if strings.HasPrefix(strings.ToLower(code), "fr") {
		return "French (Français)"
	}
	return "English"
}

// BuildSectionPrompts assembles the system and user prompts for one section
// generation attempt.
func BuildSectionPrompts(
	spec domain.SectionSpec,
	language string,
	chunks []vectorindex.RetrievedChunk,
	mappings []domain.ConceptMapping,
	applied map[string]string,
	deps []domain.SectionResult,
) (system string, user string) {
	var sys strings.Builder
	fmt.Fprintf(&sys, "You are a meticulous medical scribe AI. Generate the '%s' section of a clinical note with extreme accuracy and traceability.\n\n", spec.SectionID)
	sys.WriteString("Rules:\n")
	sys.WriteString("1. Use only the provided transcript excerpts; never invent information. If a detail is absent, say so explicitly.\n")
	sys.WriteString("2. Every statement must be supported by line references: the exact line number and the exact substring of that line, with 0-based half-open character offsets into the line text (excluding the 'N: ' prefix).\n")
	sys.WriteString("3. List the SNOMED mappings for every medical term you use, drawn from the provided mappings.\n")
	fmt.Fprintf(&sys, "4. Write the note in %s.\n", languageName(language))
	sys.WriteString("5. Report a self_confidence score in [0,1] for factual completeness.\n")

	if len(spec.CustomFields) > 0 {
		fmt.Fprintf(&sys, "\nThis is a custom section. Structure the content around these fields: %s.\n", strings.Join(spec.CustomFields, ", "))
	}

	sys.WriteString("\nSNOMED mappings available for this conversation:\n")
	if len(mappings) == 0 {
		sys.WriteString("(none resolved)\n")
	}
	for _, m := range mappings {
		fmt.Fprintf(&sys, "- %q -> %s (%s, confidence %.2f)\n", m.OriginalTerm, m.PreferredTerm, m.ConceptID, m.Confidence)
	}

	sys.WriteString("\nDoctor's terminology preferences (apply these substitutions in the note text):\n")
	if len(applied) == 0 {
		sys.WriteString("No specific preferences for this doctor\n")
	}
	for _, original := range preferences.SortedOriginals(applied) {
		fmt.Fprintf(&sys, "- Use '%s' instead of '%s'\n", applied[original], original)
	}

	if len(deps) > 0 {
		sys.WriteString("\nPreviously generated sections (for coherence, do not repeat):\n")
		for _, d := range deps {
			fmt.Fprintf(&sys, "--- %s ---\n%s\n", d.SectionID, d.Content)
		}
	}

	var usr strings.Builder
	fmt.Fprintf(&usr, "Generate the '%s' section.\n\n", spec.SectionID)
	if spec.Prompt != "" {
		fmt.Fprintf(&usr, "Section instructions:\n%s\n\n", spec.Prompt)
	}
	usr.WriteString("Transcript excerpts (with line numbers):\n")
	for _, ch := range chunks {
		fmt.Fprintf(&usr, "[lines %d-%d]\n%s\n\n", ch.FirstLine, ch.LastLine, ch.Text)
	}
	return sys.String(), usr.String()
}

// BuildRepairPrompt extends the user prompt with the validator's findings so
// the retry can fix the exact failing references.
func BuildRepairPrompt(baseUser string, report ValidationReport) string {
	var b strings.Builder
	b.WriteString(baseUser)
	b.WriteString("\nYour previous attempt was rejected by the citation validator. Fix the following and regenerate the full section:\n")
	for _, f := range report.ReferenceFailures {
		fmt.Fprintf(&b, "- Reference %s\n", f.String())
	}
	if len(report.ReferenceFailures) == 0 {
		fmt.Fprintf(&b, "- Overall confidence %.2f was below the acceptance threshold; cite more precisely and only what the transcript supports.\n", report.Confidence)
	}
	if len(report.UnresolvedTerms) > 0 {
		fmt.Fprintf(&b, "- These medical terms could not be grounded: %s. Use the provided SNOMED mappings or rephrase.\n", strings.Join(report.UnresolvedTerms, ", "))
	}
	b.WriteString("Every line reference must quote the transcript exactly.\n")
	return b.String()
}

// sectionSchema is the structured output contract for compositional calls.
var sectionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"content": map[string]any{"type": "string"},
		"line_references": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"line":  map[string]any{"type": "integer"},
					"start": map[string]any{"type": "integer"},
					"end":   map[string]any{"type": "integer"},
					"text":  map[string]any{"type": "string"},
				},
				"required":             []string{"line", "start", "end", "text"},
				"additionalProperties": false,
			},
		},
		"snomed_mappings": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"original_term":  map[string]any{"type": "string"},
					"concept_id":     map[string]any{"type": "string"},
					"preferred_term": map[string]any{"type": "string"},
					"language":       map[string]any{"type": "string"},
					"confidence":     map[string]any{"type": "number"},
				},
				"required":             []string{"original_term", "concept_id", "preferred_term", "language", "confidence"},
				"additionalProperties": false,
			},
		},
		"self_confidence": map[string]any{"type": "number"},
	},
	"required":             []string{"content", "line_references", "snomed_mappings", "self_confidence"},
	"additionalProperties": false,
}
