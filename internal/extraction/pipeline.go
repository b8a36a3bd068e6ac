package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cliniscribe/notegen-backend/internal/apperr"
	"github.com/cliniscribe/notegen-backend/internal/domain"
)

// Composer is the compositional LLM mode used for section generation.
type Composer interface {
	ComposeJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error)
	Model() string
}

// jobState is everything one section run needs from the surrounding job.
type jobState struct {
	jobID          string
	conversationID string
	language       string
	applied        map[string]string
	globalMappings []domain.ConceptMapping
	validator      *Validator
	cache          *ContextCache
}

type sectionOutcome struct {
	sectionID string
	status    domain.SectionStatus
	result    domain.SectionResult
}

// runSection drives one section through its state machine:
// Retrieving -> Generating -> Validating -> {Accepted, Retrying, FailedValidation, Error}.
// It returns the terminal result; the caller handles cache writes and
// publication.
func (o *Orchestrator) runSection(ctx context.Context, js *jobState, spec domain.SectionSpec) domain.SectionResult {
	started := time.Now()
	result := domain.SectionResult{
		TemplateID: spec.TemplateID,
		SectionID:  spec.SectionID,
		Type:       spec.Type,
		Language:   js.language,
	}
	fail := func(status domain.SectionStatus, errMsg string) domain.SectionResult {
		result.Status = status
		result.Error = errMsg
		result.Metadata.DurationMS = time.Since(started).Milliseconds()
		result.Metadata.Model = o.deps.LLM.Model()
		return result
	}

	sectionCtx, cancel := context.WithTimeout(ctx, o.cfg.SectionTimeout)
	defer cancel()

	o.deps.Registry.SetSectionState(js.jobID, spec.SectionID, domain.SectionRetrieving)
	chunks, err := o.deps.Index.Search(sectionCtx, js.conversationID, RetrievalQuery(spec, js.language), o.cfg.TopK)
	if err != nil {
		if sectionCtx.Err() != nil {
			return fail(domain.SectionError, timeoutReason(ctx, sectionCtx))
		}
		return fail(domain.SectionError, fmt.Sprintf("chunk retrieval failed: %v", err))
	}
	for _, ch := range chunks {
		result.Metadata.RetrievedChunks = append(result.Metadata.RetrievedChunks, ch.ChunkID)
	}

	deps := js.cache.Dependencies(spec.DependsOn)
	system, baseUser := BuildSectionPrompts(spec, js.language, chunks, js.globalMappings, js.applied, deps)

	user := baseUser
	var lastReport ValidationReport
	maxAttempts := o.cfg.RMax + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Metadata.Attempts = attempt
		o.deps.Registry.SetSectionState(js.jobID, spec.SectionID, domain.SectionGenerating)

		obj, err := o.deps.LLM.ComposeJSON(sectionCtx, system, user, "clinical_section", sectionSchema)
		if err != nil {
			if sectionCtx.Err() != nil {
				return fail(domain.SectionError, timeoutReason(ctx, sectionCtx))
			}
			if attempt < maxAttempts && apperr.Retryable(err) {
				o.deps.Registry.SetSectionState(js.jobID, spec.SectionID, domain.SectionRetrying)
				continue
			}
			return fail(domain.SectionError, fmt.Sprintf("section generation failed: %v", err))
		}

		candidate, selfScore, parseErr := decodeCandidate(obj, spec, js.language)
		if parseErr != nil {
			if attempt < maxAttempts {
				o.deps.Registry.SetSectionState(js.jobID, spec.SectionID, domain.SectionRetrying)
				user = baseUser + "\nYour previous output did not match the required JSON structure. Return the full section again, matching the schema exactly.\n"
				continue
			}
			return fail(domain.SectionFailedValidation, fmt.Sprintf("model output unparsable after %d attempts: %v", attempt, parseErr))
		}

		o.deps.Registry.SetSectionState(js.jobID, spec.SectionID, domain.SectionValidating)
		lastReport = js.validator.Validate(candidate, selfScore)
		if lastReport.Accepted {
			result.Content = candidate.Content
			result.LineReferences = candidate.LineReferences
			result.SnomedMappings = candidate.SnomedMappings
			result.Confidence = lastReport.Confidence
			result.Status = domain.SectionAccepted
			result.Metadata.DurationMS = time.Since(started).Milliseconds()
			result.Metadata.Model = o.deps.LLM.Model()
			return result
		}

		if attempt < maxAttempts {
			o.deps.Registry.SetSectionState(js.jobID, spec.SectionID, domain.SectionRetrying)
			user = BuildRepairPrompt(baseUser, lastReport)
		}
	}

	reason := fmt.Sprintf("validation failed after %d attempts", maxAttempts)
	if len(lastReport.ReferenceFailures) > 0 {
		reason += ": " + lastReport.ReferenceFailures[0].String()
	}
	out := fail(domain.SectionFailedValidation, reason)
	// Keep the last candidate's references in the failure payload so the
	// caller can see the offending citations.
	out.Confidence = lastReport.Confidence
	return out
}

func timeoutReason(jobCtx, sectionCtx context.Context) string {
	if jobCtx.Err() != nil && !errors.Is(sectionCtx.Err(), context.DeadlineExceeded) {
		return "cancelled"
	}
	return "section timeout exceeded"
}

// decodeCandidate maps the model's JSON object onto a SectionResult.
func decodeCandidate(obj map[string]any, spec domain.SectionSpec, language string) (domain.SectionResult, float64, error) {
	encoded, err := json.Marshal(obj)
	if err != nil {
		return domain.SectionResult{}, 0, err
	}
	var parsed struct {
		Content        string                  `json:"content"`
		LineReferences []domain.LineReference  `json:"line_references"`
		SnomedMappings []domain.ConceptMapping `json:"snomed_mappings"`
		SelfConfidence float64                 `json:"self_confidence"`
	}
	if err := json.Unmarshal(encoded, &parsed); err != nil {
		return domain.SectionResult{}, 0, err
	}
	if parsed.Content == "" {
		return domain.SectionResult{}, 0, fmt.Errorf("empty content")
	}
	return domain.SectionResult{
		TemplateID:     spec.TemplateID,
		SectionID:      spec.SectionID,
		Type:           spec.Type,
		Content:        parsed.Content,
		LineReferences: parsed.LineReferences,
		SnomedMappings: parsed.SnomedMappings,
		Language:       language,
	}, parsed.SelfConfidence, nil
}

// payloadFor converts a terminal SectionResult into the outbound wire shape.
func payloadFor(result domain.SectionResult) domain.SectionPayload {
	refs := result.LineReferences
	if refs == nil {
		refs = []domain.LineReference{}
	}
	mappings := result.SnomedMappings
	if mappings == nil {
		mappings = []domain.ConceptMapping{}
	}
	return domain.SectionPayload{
		TemplateType:     result.TemplateID,
		SectionType:      result.Type,
		SectionContent:   result.Content,
		SectionID:        result.SectionID,
		LineReferences:   refs,
		SnomedMappings:   mappings,
		ConfidenceScore:  result.Confidence,
		ExtractedLang:    result.Language,
		Metadata:         result.Metadata,
		ValidationStatus: result.Status,
		Error:            result.Error,
	}
}
