package extraction

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/cliniscribe/notegen-backend/internal/apperr"
	"github.com/cliniscribe/notegen-backend/internal/domain"
	"github.com/cliniscribe/notegen-backend/internal/ontology"
	"github.com/cliniscribe/notegen-backend/internal/preferences"
	"github.com/cliniscribe/notegen-backend/internal/vectorindex"
)

const sampleTranscript = "Doctor: What brings you in today?\nPatient: I have a headache."

// ---------- fakes ----------

type fakeIndex struct {
	mu       sync.Mutex
	ingested map[string]int
	dropped  map[string]bool
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{ingested: make(map[string]int), dropped: make(map[string]bool)}
}

func (f *fakeIndex) Ingest(ctx context.Context, conversationID string, chunks []domain.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingested[conversationID] = len(chunks)
	return nil
}

func (f *fakeIndex) Search(ctx context.Context, conversationID, query string, topK int) ([]vectorindex.RetrievedChunk, error) {
	return []vectorindex.RetrievedChunk{
		{ChunkID: "chunk-1", FirstLine: 1, LastLine: 2, Text: sampleTranscript, Score: 0.99},
	}, nil
}

func (f *fakeIndex) Drop(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped[conversationID] = true
	return nil
}

func (f *fakeIndex) Ping(ctx context.Context) error { return nil }

func (f *fakeIndex) droppedConversation(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped[id]
}

type fakeResolver struct{}

func (fakeResolver) Resolve(ctx context.Context, candidates []domain.TermCandidate, language string) ([]domain.ConceptMapping, error) {
	return nil, nil
}

func (fakeResolver) Hierarchy(ctx context.Context, conceptID string) ([]ontology.Ancestor, error) {
	return nil, nil
}

func (fakeResolver) Ping(ctx context.Context) error { return nil }

type fakeTerms struct{}

func (fakeTerms) Extract(ctx context.Context, lines []domain.LineRecord, language string) ([]domain.TermCandidate, error) {
	return nil, nil
}

// scriptedComposer routes each generation call to a per-section handler. The
// section id is recovered from the user prompt.
type scriptedComposer struct {
	mu       sync.Mutex
	attempts map[string]int
	systems  map[string]string
	handle   func(ctx context.Context, sectionID string, attempt int) (map[string]any, error)
}

var sectionIDRe = regexp.MustCompile(`Generate the '([^']+)' section\.`)

func newScriptedComposer(handle func(ctx context.Context, sectionID string, attempt int) (map[string]any, error)) *scriptedComposer {
	return &scriptedComposer{
		attempts: make(map[string]int),
		systems:  make(map[string]string),
		handle:   handle,
	}
}

func (c *scriptedComposer) ComposeJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	id := ""
	if m := sectionIDRe.FindStringSubmatch(user); len(m) == 2 {
		id = m[1]
	}
	c.mu.Lock()
	c.attempts[id]++
	attempt := c.attempts[id]
	c.systems[id] = system
	c.mu.Unlock()
	return c.handle(ctx, id, attempt)
}

func (c *scriptedComposer) Model() string { return "scripted" }

func (c *scriptedComposer) attemptCount(sectionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[sectionID]
}

func (c *scriptedComposer) systemFor(sectionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.systems[sectionID]
}

// acceptedObj is a model response whose citation survives validation against
// sampleTranscript line 2.
func acceptedObj(content string) map[string]any {
	return map[string]any{
		"content": content,
		"line_references": []any{
			map[string]any{"line": 2, "start": 18, "end": 26, "text": "headache"},
		},
		"snomed_mappings": []any{},
		"self_confidence": 0.9,
	}
}

func rejectedObj() map[string]any {
	return map[string]any{
		"content": "Fabricated claim.",
		"line_references": []any{
			map[string]any{"line": 1, "start": 0, "end": 6, "text": "Nurse!"},
		},
		"snomed_mappings": []any{},
		"self_confidence": 0.9,
	}
}

// ---------- harness ----------

type testHarness struct {
	orch     *Orchestrator
	registry *Registry
	sink     *ChannelSink
	index    *fakeIndex
	composer *scriptedComposer
}

func newHarness(t *testing.T, composer *scriptedComposer) *testHarness {
	t.Helper()
	registry := NewRegistry()
	sink := NewChannelSink(16)
	index := newFakeIndex()
	orch, err := NewOrchestrator(context.Background(), Deps{
		Log:      testLogger(t),
		Index:    index,
		Resolver: fakeResolver{},
		Terms:    fakeTerms{},
		Prefs:    preferences.NewMemoryStore(),
		LLM:      composer,
		Sink:     sink,
		Registry: registry,
	}, Config{
		RMax:           1,
		SectionTimeout: 5 * time.Second,
		JobTimeout:     30 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return &testHarness{orch: orch, registry: registry, sink: sink, index: index, composer: composer}
}

func (h *testHarness) process(t *testing.T, conversationID string, templates []domain.TemplateRequest) domain.Job {
	t.Helper()
	job, err := h.orch.ProcessEncounter(context.Background(), domain.ProcessEncounterRequest{
		ConversationID:    conversationID,
		TemplateGroupID:   "grp",
		Templates:         templates,
		TranscriptionText: sampleTranscript,
		DoctorID:          "dr-1",
		Language:          "en",
	})
	if err != nil {
		t.Fatalf("ProcessEncounter: %v", err)
	}
	return job
}

func (h *testHarness) waitDone(t *testing.T, jobID string) domain.Job {
	t.Helper()
	done, err := h.registry.Done(jobID)
	if err != nil {
		t.Fatalf("Done: %v", err)
	}
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatalf("job %s did not finish", jobID)
	}
	job, err := h.registry.Status(jobID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	return job
}

func (h *testHarness) collect(t *testing.T, n int) []PublishedSection {
	t.Helper()
	out := make([]PublishedSection, 0, n)
	for len(out) < n {
		select {
		case p := <-h.sink.C:
			out = append(out, p)
		case <-time.After(10 * time.Second):
			t.Fatalf("received %d publications, want %d", len(out), n)
		}
	}
	return out
}

func (h *testHarness) expectNoMorePublications(t *testing.T) {
	t.Helper()
	select {
	case p := <-h.sink.C:
		t.Fatalf("unexpected publication for section %s", p.Payload.SectionID)
	case <-time.After(100 * time.Millisecond):
	}
}

// ---------- tests ----------

func TestOrchestratorCompletesDependencyOrderedJob(t *testing.T) {
	composer := newScriptedComposer(func(ctx context.Context, sectionID string, attempt int) (map[string]any, error) {
		return acceptedObj("Section " + sectionID + ": patient reports a headache."), nil
	})
	h := newHarness(t, composer)

	job := h.process(t, "conv-ok", []domain.TemplateRequest{{
		TemplateID: "soap",
		Sections: []domain.TemplateSectionRequest{
			{SectionID: "S", Type: "subjective", Prompt: "Complaints."},
			{SectionID: "O", Type: "objective", Prompt: "Findings."},
			{SectionID: "A", Type: "assessment", Prompt: "Assess.", DependsOn: []string{"S", "O"}},
		},
	}})

	final := h.waitDone(t, job.JobID)
	if final.Status != domain.JobCompleted {
		t.Fatalf("job status = %q (%s)", final.Status, final.Error)
	}
	for id, st := range final.SectionStates {
		if st != domain.SectionAccepted {
			t.Errorf("section %s state = %q", id, st)
		}
	}

	pubs := h.collect(t, 3)
	if last := pubs[2].Payload.SectionID; last != "A" {
		t.Fatalf("publication order = %v, want A last", publishedIDs(pubs))
	}
	seen := map[string]bool{}
	for _, p := range pubs {
		if p.JobID != job.JobID {
			t.Errorf("publication carries job %s, want %s", p.JobID, job.JobID)
		}
		if seen[p.Payload.SectionID] {
			t.Fatalf("section %s published twice", p.Payload.SectionID)
		}
		seen[p.Payload.SectionID] = true
		if p.Payload.ValidationStatus != domain.SectionAccepted {
			t.Errorf("section %s status = %q", p.Payload.SectionID, p.Payload.ValidationStatus)
		}
	}

	// The dependent section's prompt carried its dependencies' content.
	sys := composer.systemFor("A")
	if !regexp.MustCompile(`--- S ---`).MatchString(sys) || !regexp.MustCompile(`--- O ---`).MatchString(sys) {
		t.Fatalf("assessment prompt missing dependency context")
	}

	waitFor(t, func() bool { return h.index.droppedConversation("conv-ok") }, "conversation vectors not dropped")
}

func TestOrchestratorFailedSectionCascadesToDependents(t *testing.T) {
	composer := newScriptedComposer(func(ctx context.Context, sectionID string, attempt int) (map[string]any, error) {
		if sectionID == "bad" {
			return rejectedObj(), nil
		}
		return acceptedObj("Section " + sectionID + "."), nil
	})
	h := newHarness(t, composer)

	job := h.process(t, "conv-cascade", []domain.TemplateRequest{{
		TemplateID: "soap",
		Sections: []domain.TemplateSectionRequest{
			{SectionID: "good", Type: "subjective", Prompt: "Complaints."},
			{SectionID: "bad", Type: "objective", Prompt: "Findings."},
			{SectionID: "child", Type: "plan", Prompt: "Plan.", DependsOn: []string{"bad"}},
		},
	}})

	final := h.waitDone(t, job.JobID)
	if final.Status != domain.JobPartiallyFailed {
		t.Fatalf("job status = %q (%s)", final.Status, final.Error)
	}
	if final.SectionStates["good"] != domain.SectionAccepted {
		t.Errorf("good = %q", final.SectionStates["good"])
	}
	if final.SectionStates["bad"] != domain.SectionFailedValidation {
		t.Errorf("bad = %q", final.SectionStates["bad"])
	}
	if final.SectionStates["child"] != domain.SectionError {
		t.Errorf("child = %q", final.SectionStates["child"])
	}

	pubs := h.collect(t, 3)
	byID := map[string]domain.SectionPayload{}
	for _, p := range pubs {
		byID[p.Payload.SectionID] = p.Payload
	}
	if got := byID["bad"]; got.ValidationStatus != domain.SectionFailedValidation || got.Error == "" {
		t.Fatalf("bad payload = %+v", got)
	}
	if got := byID["child"]; got.Error != "dependency_failed: bad" {
		t.Fatalf("child payload error = %q", got.Error)
	}

	// Two attempts for the failing section, none for its dependent.
	if n := composer.attemptCount("bad"); n != 2 {
		t.Errorf("bad attempts = %d, want 2", n)
	}
	if n := composer.attemptCount("child"); n != 0 {
		t.Errorf("child attempts = %d, want 0", n)
	}
}

func TestOrchestratorCancellationKeepsPublishedSections(t *testing.T) {
	composer := newScriptedComposer(func(ctx context.Context, sectionID string, attempt int) (map[string]any, error) {
		if sectionID == "slow" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return acceptedObj("Section " + sectionID + "."), nil
	})
	h := newHarness(t, composer)

	job := h.process(t, "conv-cancel", []domain.TemplateRequest{{
		TemplateID: "soap",
		Sections: []domain.TemplateSectionRequest{
			{SectionID: "fast", Type: "subjective", Prompt: "Complaints."},
			{SectionID: "slow", Type: "objective", Prompt: "Findings."},
		},
	}})

	pubs := h.collect(t, 1)
	if pubs[0].Payload.SectionID != "fast" {
		t.Fatalf("first publication = %s", pubs[0].Payload.SectionID)
	}

	if _, err := h.registry.Cancel(job.JobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	final := h.waitDone(t, job.JobID)
	if final.Status != domain.JobCancelled {
		t.Fatalf("job status = %q (%s)", final.Status, final.Error)
	}
	if final.SectionStates["fast"] != domain.SectionAccepted {
		t.Errorf("fast = %q", final.SectionStates["fast"])
	}
	if final.SectionStates["slow"] != domain.SectionError {
		t.Errorf("slow = %q", final.SectionStates["slow"])
	}
	h.expectNoMorePublications(t)
}

func TestOrchestratorDuplicateSubmissionTakesOver(t *testing.T) {
	var firstCall sync.Once
	blocked := make(chan struct{})
	composer := newScriptedComposer(func(ctx context.Context, sectionID string, attempt int) (map[string]any, error) {
		var isFirst bool
		firstCall.Do(func() { isFirst = true })
		if isFirst {
			close(blocked)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return acceptedObj("Section " + sectionID + "."), nil
	})
	h := newHarness(t, composer)

	templates := []domain.TemplateRequest{{
		TemplateID: "soap",
		Sections:   []domain.TemplateSectionRequest{{SectionID: "solo", Type: "subjective", Prompt: "Complaints."}},
	}}

	first := h.process(t, "conv-dup", templates)
	select {
	case <-blocked:
	case <-time.After(10 * time.Second):
		t.Fatal("first job never reached generation")
	}

	second := h.process(t, "conv-dup", templates)
	if second.JobID == first.JobID {
		t.Fatal("duplicate submission reused the job id")
	}

	firstFinal := h.waitDone(t, first.JobID)
	if firstFinal.Status != domain.JobCancelled {
		t.Fatalf("first job status = %q (%s)", firstFinal.Status, firstFinal.Error)
	}

	secondFinal := h.waitDone(t, second.JobID)
	if secondFinal.Status != domain.JobCompleted {
		t.Fatalf("second job status = %q (%s)", secondFinal.Status, secondFinal.Error)
	}

	pubs := h.collect(t, 1)
	if pubs[0].JobID != second.JobID {
		t.Fatalf("publication from job %s, want %s", pubs[0].JobID, second.JobID)
	}
	h.expectNoMorePublications(t)
}

func TestProcessEncounterRejectsBadRequests(t *testing.T) {
	composer := newScriptedComposer(func(ctx context.Context, sectionID string, attempt int) (map[string]any, error) {
		t.Fatal("composer called during request validation")
		return nil, nil
	})
	h := newHarness(t, composer)

	templates := []domain.TemplateRequest{{
		TemplateID: "soap",
		Sections:   []domain.TemplateSectionRequest{{SectionID: "s", Type: "subjective"}},
	}}

	_, err := h.orch.ProcessEncounter(context.Background(), domain.ProcessEncounterRequest{
		TemplateGroupID:   "grp",
		Templates:         templates,
		TranscriptionText: sampleTranscript,
	})
	if !errors.Is(err, apperr.ErrInvalidRequest) {
		t.Fatalf("missing conversation_id err = %v", err)
	}

	_, err = h.orch.ProcessEncounter(context.Background(), domain.ProcessEncounterRequest{
		ConversationID: "conv-1",
		Templates:      templates,
	})
	if !errors.Is(err, apperr.ErrInvalidTranscript) {
		t.Fatalf("empty transcript err = %v", err)
	}

	_, err = h.orch.ProcessEncounter(context.Background(), domain.ProcessEncounterRequest{
		ConversationID:    "conv-1",
		TranscriptionText: sampleTranscript,
		Templates: []domain.TemplateRequest{{
			TemplateID: "t",
			Sections: []domain.TemplateSectionRequest{
				{SectionID: "a", Type: "plan", DependsOn: []string{"b"}},
				{SectionID: "b", Type: "objective", DependsOn: []string{"a"}},
			},
		}},
	})
	if !errors.Is(err, apperr.ErrInvalidRequest) {
		t.Fatalf("cyclic templates err = %v", err)
	}
}

func TestOrchestratorRetriesOnlyRetryableGenerationErrors(t *testing.T) {
	composer := newScriptedComposer(func(ctx context.Context, sectionID string, attempt int) (map[string]any, error) {
		switch sectionID {
		case "flaky":
			if attempt == 1 {
				return nil, fmt.Errorf("%w: vector search returned 503", apperr.ErrDependencyUnavailable)
			}
			return acceptedObj("Recovered."), nil
		default:
			return nil, apperr.Invalid("unsupported prompt")
		}
	})
	h := newHarness(t, composer)

	job := h.process(t, "conv-retryclass", []domain.TemplateRequest{{
		TemplateID: "soap",
		Sections: []domain.TemplateSectionRequest{
			{SectionID: "flaky", Type: "subjective", Prompt: "Complaints."},
			{SectionID: "hard", Type: "objective", Prompt: "Findings."},
		},
	}})

	final := h.waitDone(t, job.JobID)
	if final.Status != domain.JobPartiallyFailed {
		t.Fatalf("job status = %q (%s)", final.Status, final.Error)
	}
	if final.SectionStates["flaky"] != domain.SectionAccepted {
		t.Errorf("flaky = %q", final.SectionStates["flaky"])
	}
	if final.SectionStates["hard"] != domain.SectionError {
		t.Errorf("hard = %q", final.SectionStates["hard"])
	}
	if n := composer.attemptCount("flaky"); n != 2 {
		t.Errorf("flaky attempts = %d, want 2", n)
	}
	if n := composer.attemptCount("hard"); n != 1 {
		t.Errorf("hard attempts = %d, want 1 (no retry)", n)
	}
}

func TestOrchestratorRetriesUnparsableOutputOnce(t *testing.T) {
	composer := newScriptedComposer(func(ctx context.Context, sectionID string, attempt int) (map[string]any, error) {
		if attempt == 1 {
			return map[string]any{"garbage": true}, nil
		}
		return acceptedObj("Recovered."), nil
	})
	h := newHarness(t, composer)

	job := h.process(t, "conv-retry", []domain.TemplateRequest{{
		TemplateID: "soap",
		Sections:   []domain.TemplateSectionRequest{{SectionID: "s", Type: "subjective", Prompt: "Complaints."}},
	}})

	final := h.waitDone(t, job.JobID)
	if final.Status != domain.JobCompleted {
		t.Fatalf("job status = %q (%s)", final.Status, final.Error)
	}
	if n := composer.attemptCount("s"); n != 2 {
		t.Fatalf("attempts = %d, want 2", n)
	}
	pubs := h.collect(t, 1)
	if pubs[0].Payload.Metadata.Attempts != 2 {
		t.Fatalf("metadata attempts = %d", pubs[0].Payload.Metadata.Attempts)
	}
}

func publishedIDs(pubs []PublishedSection) []string {
	out := make([]string, len(pubs))
	for i, p := range pubs {
		out[i] = p.Payload.SectionID
	}
	return out
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
