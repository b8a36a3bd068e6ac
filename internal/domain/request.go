package domain

// TemplateSectionRequest is the wire shape of one section inside a template.
type TemplateSectionRequest struct {
	SectionID string   `json:"section_id"`
	Type      string   `json:"type"`
	Prompt    string   `json:"prompt"`
	DependsOn []string `json:"depends_on"`
	Fields    []string `json:"fields,omitempty"`
}

// TemplateRequest is the wire shape of one requested template.
type TemplateRequest struct {
	TemplateID string                   `json:"template_id"`
	Sections   []TemplateSectionRequest `json:"sections"`
}

// ProcessEncounterRequest is the inbound contract from the gateway.
type ProcessEncounterRequest struct {
	ConversationID    string            `json:"conversation_id"`
	TemplateGroupID   string            `json:"template_group_id"`
	Templates         []TemplateRequest `json:"templates"`
	TranscriptionText string            `json:"transcription_text"`
	DoctorID          string            `json:"doctor_id"`
	DoctorPreferences map[string]string `json:"doctor_preferences,omitempty"`
	Language          string            `json:"language"`
}

// SectionPayload is the outbound publication for one section, accepted or not.
type SectionPayload struct {
	TemplateType     string             `json:"template_type"`
	SectionType      SectionType        `json:"section_type"`
	SectionContent   string             `json:"section_content"`
	SectionID        string             `json:"section_id"`
	LineReferences   []LineReference    `json:"line_references"`
	SnomedMappings   []ConceptMapping   `json:"snomed_mappings"`
	ConfidenceScore  float64            `json:"confidence_score"`
	ExtractedLang    string             `json:"extracted_language"`
	Metadata         ProcessingMetadata `json:"processing_metadata"`
	ValidationStatus SectionStatus      `json:"validation_status"`
	Error            string             `json:"error,omitempty"`
}
