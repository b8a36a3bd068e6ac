package extraction

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/cliniscribe/notegen-backend/internal/domain"
)

// ReferenceFailure describes one rejected citation, kept verbatim for the
// repair prompt and the failure payload.
type ReferenceFailure struct {
	Reference domain.LineReference
	Reason    string
}

func (f ReferenceFailure) String() string {
	return fmt.Sprintf("line %d [%d:%d) %q: %s",
		f.Reference.Line, f.Reference.CharStart, f.Reference.CharEnd, f.Reference.Text, f.Reason)
}

// ValidationReport is the validator's verdict on one candidate section.
type ValidationReport struct {
	ReferenceFailures []ReferenceFailure
	UnresolvedTerms   []string
	CitationPassRatio float64
	ResolutionRatio   float64
	Confidence        float64
	Accepted          bool
}

// Validator checks candidate sections for citation soundness and ontology
// grounding. Pure CPU; runs to completion without yielding.
type Validator struct {
	lines           map[int][]rune
	globalTerms     []domain.TermCandidate
	resolvedTerms   map[string]bool
	acceptThreshold float64
}

func NewValidator(lines []domain.LineRecord, globalMappings []domain.ConceptMapping, globalTerms []domain.TermCandidate, acceptThreshold float64) *Validator {
	byLine := make(map[int][]rune, len(lines))
	for _, ln := range lines {
		byLine[ln.LineNo] = []rune(norm.NFC.String(ln.Text))
	}
	resolved := make(map[string]bool, len(globalMappings))
	for _, m := range globalMappings {
		if m.ConceptID != "" {
			resolved[foldTerm(m.OriginalTerm)] = true
		}
	}
	if acceptThreshold <= 0 {
		acceptThreshold = 0.6
	}
	return &Validator{
		lines:           byLine,
		globalTerms:     globalTerms,
		resolvedTerms:   resolved,
		acceptThreshold: acceptThreshold,
	}
}

// Validate checks the candidate and computes its blended confidence:
// min(llm self score, citation pass ratio), scaled by the ratio of mentioned
// medical terms that resolved to a concept. Unresolved terms (ontology
// outage or no match) lower confidence but do not fail the section.
func (v *Validator) Validate(candidate domain.SectionResult, selfScore float64) ValidationReport {
	report := ValidationReport{CitationPassRatio: 1.0, ResolutionRatio: 1.0}

	if len(candidate.LineReferences) > 0 {
		passed := 0
		for _, ref := range candidate.LineReferences {
			if reason := v.checkReference(ref); reason != "" {
				report.ReferenceFailures = append(report.ReferenceFailures, ReferenceFailure{Reference: ref, Reason: reason})
			} else {
				passed++
			}
		}
		report.CitationPassRatio = float64(passed) / float64(len(candidate.LineReferences))
	} else {
		// A section with no citations is not traceable.
		report.CitationPassRatio = 0
	}

	// Ontology grounding: each medical term mentioned in the content must
	// itself trace to a concept, either in the job-global mapping set or in
	// the section's own mappings. Grounding is per term; one resolved term
	// never vouches for another.
	sectionTerms := make(map[string]bool, len(candidate.SnomedMappings))
	for _, m := range candidate.SnomedMappings {
		if m.ConceptID != "" {
			sectionTerms[foldTerm(m.OriginalTerm)] = true
		}
	}
	content := foldTerm(candidate.Content)
	mentioned, grounded := 0, 0
	for _, term := range v.globalTerms {
		needle := foldTerm(term.Surface)
		if needle == "" || !strings.Contains(content, needle) {
			continue
		}
		mentioned++
		if v.resolvedTerms[needle] || sectionTerms[needle] {
			grounded++
		} else {
			report.UnresolvedTerms = append(report.UnresolvedTerms, term.Surface)
		}
	}
	if mentioned > 0 {
		report.ResolutionRatio = float64(grounded) / float64(mentioned)
	}

	if selfScore < 0 {
		selfScore = 0
	}
	if selfScore > 1 {
		selfScore = 1
	}
	confidence := selfScore
	if report.CitationPassRatio < confidence {
		confidence = report.CitationPassRatio
	}
	confidence *= report.ResolutionRatio
	report.Confidence = confidence

	report.Accepted = len(report.ReferenceFailures) == 0 && confidence >= v.acceptThreshold
	return report
}

func (v *Validator) checkReference(ref domain.LineReference) string {
	runes, ok := v.lines[ref.Line]
	if !ok {
		return "line does not exist"
	}
	if ref.CharStart < 0 || ref.CharEnd <= ref.CharStart {
		return "invalid character span"
	}
	if ref.CharEnd > len(runes) {
		return fmt.Sprintf("span end %d beyond line length %d", ref.CharEnd, len(runes))
	}
	got := string(runes[ref.CharStart:ref.CharEnd])
	want := norm.NFC.String(ref.Text)
	if got != want {
		return fmt.Sprintf("text mismatch: transcript has %q", got)
	}
	return ""
}

func foldTerm(s string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(s)))
}
