package domain

// SectionType enumerates the known clinical section shapes. CustomSection
// carries a caller-defined field list.
type SectionType string

const (
	SectionSubjective    SectionType = "subjective"
	SectionObjective     SectionType = "objective"
	SectionAssessment    SectionType = "assessment"
	SectionPlan          SectionType = "plan"
	SectionVisitSummary  SectionType = "visit_summary"
	SectionReferral      SectionType = "referral"
	SectionPatientInfo   SectionType = "patient_info"
	SectionCustomSection SectionType = "custom"
)

func KnownSectionType(t SectionType) bool {
	switch t {
	case SectionSubjective, SectionObjective, SectionAssessment, SectionPlan,
		SectionVisitSummary, SectionReferral, SectionPatientInfo, SectionCustomSection:
		return true
	default:
		return false
	}
}

// SectionSpec is one prompt-driven unit of a template, immutable within a job.
type SectionSpec struct {
	TemplateID   string      `json:"template_id"`
	SectionID    string      `json:"section_id"`
	Type         SectionType `json:"type"`
	Prompt       string      `json:"prompt"`
	OrderIndex   int         `json:"order_index"`
	DependsOn    []string    `json:"depends_on,omitempty"`
	CustomFields []string    `json:"custom_fields,omitempty"`
}

// Template is an ordered collection of sections defining one document shape.
type Template struct {
	TemplateID string        `json:"template_id"`
	Sections   []SectionSpec `json:"sections"`
}

// LineReference cites an exact substring of a transcript line. Text must
// equal the rune slice [CharStart, CharEnd) of the referenced line under NFC.
type LineReference struct {
	Line      int    `json:"line"`
	CharStart int    `json:"start"`
	CharEnd   int    `json:"end"`
	Text      string `json:"text"`
}

type SectionStatus string

const (
	SectionPending          SectionStatus = "pending"
	SectionRetrieving       SectionStatus = "retrieving"
	SectionGenerating       SectionStatus = "generating"
	SectionValidating       SectionStatus = "validating"
	SectionRetrying         SectionStatus = "retrying"
	SectionAccepted         SectionStatus = "accepted"
	SectionFailedValidation SectionStatus = "validation_failed"
	SectionError            SectionStatus = "error"
	SectionDeliveryFailed   SectionStatus = "delivery_failed"
)

func (s SectionStatus) Terminal() bool {
	switch s {
	case SectionAccepted, SectionFailedValidation, SectionError, SectionDeliveryFailed:
		return true
	default:
		return false
	}
}

// ProcessingMetadata records how a section was produced.
type ProcessingMetadata struct {
	DurationMS      int64    `json:"duration_ms"`
	Attempts        int      `json:"attempts"`
	RetrievedChunks []string `json:"retrieved_chunks,omitempty"`
	Model           string   `json:"model,omitempty"`
}

// SectionResult is the validated output of one section generation.
type SectionResult struct {
	TemplateID     string             `json:"template_id"`
	SectionID      string             `json:"section_id"`
	Type           SectionType        `json:"section_type"`
	Content        string             `json:"content"`
	LineReferences []LineReference    `json:"line_references"`
	SnomedMappings []ConceptMapping   `json:"snomed_mappings"`
	Confidence     float64            `json:"confidence_score"`
	Language       string             `json:"extracted_language"`
	Status         SectionStatus      `json:"validation_status"`
	Error          string             `json:"error,omitempty"`
	Metadata       ProcessingMetadata `json:"processing_metadata"`
}
