package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cliniscribe/notegen-backend/internal/apperr"
	"github.com/cliniscribe/notegen-backend/internal/domain"
	"github.com/cliniscribe/notegen-backend/internal/ontology"
	"github.com/cliniscribe/notegen-backend/internal/platform/logger"
	"github.com/cliniscribe/notegen-backend/internal/preferences"
	"github.com/cliniscribe/notegen-backend/internal/terms"
	"github.com/cliniscribe/notegen-backend/internal/transcript"
	"github.com/cliniscribe/notegen-backend/internal/vectorindex"
)

// Config carries the engine's tunables; defaults match DefaultConfig.
type Config struct {
	CJob            int
	CGlobal         int
	RMax            int
	TopK            int
	SectionTimeout  time.Duration
	JobTimeout      time.Duration
	AcceptThreshold float64
	ApplyThreshold  float64
	ChunkPolicy     domain.ChunkPolicy
	MaxTranscript   int
}

func DefaultConfig() Config {
	return Config{
		CJob:            4,
		CGlobal:         16,
		RMax:            3,
		TopK:            5,
		SectionTimeout:  30 * time.Second,
		JobTimeout:      20 * time.Minute,
		AcceptThreshold: 0.6,
		ApplyThreshold:  preferences.DefaultApplyThreshold,
		ChunkPolicy:     domain.DefaultChunkPolicy(),
		MaxTranscript:   transcript.MaxTranscriptBytes,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CJob <= 0 {
		c.CJob = def.CJob
	}
	if c.CGlobal <= 0 {
		c.CGlobal = def.CGlobal
	}
	if c.RMax <= 0 {
		c.RMax = def.RMax
	}
	if c.TopK <= 0 {
		c.TopK = def.TopK
	}
	if c.SectionTimeout <= 0 {
		c.SectionTimeout = def.SectionTimeout
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = def.JobTimeout
	}
	if c.AcceptThreshold <= 0 {
		c.AcceptThreshold = def.AcceptThreshold
	}
	if c.ApplyThreshold <= 0 {
		c.ApplyThreshold = def.ApplyThreshold
	}
	if c.ChunkPolicy.TargetTokens <= 0 {
		c.ChunkPolicy = def.ChunkPolicy
	}
	if c.MaxTranscript <= 0 {
		c.MaxTranscript = def.MaxTranscript
	}
	return c
}

// Deps are the engine's collaborators, injected at startup.
type Deps struct {
	Log      *logger.Logger
	Index    vectorindex.Index
	Resolver ontology.Resolver
	Terms    terms.Extractor
	Prefs    preferences.Store
	LLM      Composer
	Sink     Sink
	Registry *Registry
}

// Orchestrator coordinates the whole extraction pipeline: ingest, global
// term resolution, section scheduling, validation, and publication.
type Orchestrator struct {
	deps      Deps
	cfg       Config
	log       *logger.Logger
	globalSem *semaphore.Weighted
	rootCtx   context.Context
}

func NewOrchestrator(rootCtx context.Context, deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Log == nil {
		return nil, fmt.Errorf("extraction: logger required")
	}
	for name, missing := range map[string]bool{
		"vector index":     deps.Index == nil,
		"ontology client":  deps.Resolver == nil,
		"term extractor":   deps.Terms == nil,
		"preference store": deps.Prefs == nil,
		"llm client":       deps.LLM == nil,
		"publisher sink":   deps.Sink == nil,
		"job registry":     deps.Registry == nil,
	} {
		if missing {
			return nil, fmt.Errorf("extraction: %s required", name)
		}
	}
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	cfg = cfg.withDefaults()
	return &Orchestrator{
		deps:      deps,
		cfg:       cfg,
		log:       deps.Log.With("service", "ExtractionOrchestrator"),
		globalSem: semaphore.NewWeighted(int64(cfg.CGlobal)),
		rootCtx:   rootCtx,
	}, nil
}

// ProcessEncounter validates the request, admits a job, and starts the
// pipeline in the background. Validation problems surface synchronously and
// no job is created.
func (o *Orchestrator) ProcessEncounter(ctx context.Context, req domain.ProcessEncounterRequest) (domain.Job, error) {
	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		return domain.Job{}, apperr.Invalid("conversation_id required")
	}
	if strings.TrimSpace(req.TranscriptionText) == "" {
		return domain.Job{}, apperr.Transcript("transcription_text is empty")
	}
	specs, err := FlattenTemplates(req.Templates)
	if err != nil {
		return domain.Job{}, err
	}
	groupID := strings.TrimSpace(req.TemplateGroupID)
	if groupID == "" {
		groupID = "default"
	}

	sectionIDs := make([]string, 0, len(specs))
	for _, s := range specs {
		sectionIDs = append(sectionIDs, s.SectionID)
	}
	job, jobCtx, err := o.deps.Registry.Admit(o.rootCtx, conversationID, groupID, sectionIDs)
	if err != nil {
		return domain.Job{}, err
	}

	go o.run(jobCtx, job, specs, req)
	return job, nil
}

func (o *Orchestrator) run(jobCtx context.Context, job domain.Job, specs []domain.SectionSpec, req domain.ProcessEncounterRequest) {
	ctx, cancel := context.WithTimeout(jobCtx, o.cfg.JobTimeout)
	defer cancel()

	log := o.log.With("job_id", job.JobID, "conversation_id", job.ConversationID)
	o.deps.Registry.MarkRunning(job.JobID)
	log.Info("Job started", "sections", len(specs))

	js, err := o.prepare(ctx, job, req)
	if err != nil {
		status := domain.JobFailed
		if ctx.Err() != nil {
			status = domain.JobCancelled
		}
		log.Warn("Job preparation failed", "error", err)
		o.deps.Registry.Finish(job.JobID, status, err.Error())
		return
	}
	// Conversation vectors live only as long as the job.
	defer func() {
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dropCancel()
		if err := o.deps.Index.Drop(dropCtx, job.ConversationID); err != nil {
			log.Warn("Failed to drop conversation vectors", "error", err)
		}
	}()

	final, errMsg := o.runSections(ctx, js, job, specs)
	o.deps.Registry.Finish(job.JobID, final, errMsg)
	log.Info("Job finished", "status", string(final))
}

// prepare runs the sequential front half: normalize, chunk, index, extract
// terms, resolve them, snapshot preferences.
func (o *Orchestrator) prepare(ctx context.Context, job domain.Job, req domain.ProcessEncounterRequest) (*jobState, error) {
	lines, language, err := transcript.Normalize(req.TranscriptionText, req.Language, o.cfg.MaxTranscript)
	if err != nil {
		return nil, err
	}

	chunks := transcript.Chunk(job.ConversationID, lines, o.cfg.ChunkPolicy)
	if err := o.deps.Index.Ingest(ctx, job.ConversationID, chunks); err != nil {
		return nil, err
	}

	resolver := ontology.NewJobCache(o.deps.Resolver)

	candidates, err := o.deps.Terms.Extract(ctx, lines, language)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		// Degraded path: no term candidates means no grounding signal, not a
		// dead job.
		o.log.Warn("Term extraction unavailable, proceeding without global terms", "job_id", job.JobID, "error", err)
		candidates = nil
	}

	var mappings []domain.ConceptMapping
	if len(candidates) > 0 {
		mappings, err = resolver.Resolve(ctx, candidates, language)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			o.log.Warn("Ontology resolution unavailable, proceeding with empty mappings", "job_id", job.JobID, "error", err)
			mappings = nil
		}
	}

	applied, err := o.deps.Prefs.Snapshot(ctx, req.DoctorID, req.DoctorPreferences, o.cfg.ApplyThreshold)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		o.log.Warn("Preference snapshot unavailable, proceeding without preferences", "job_id", job.JobID, "error", err)
		applied = map[string]string{}
	}

	return &jobState{
		jobID:          job.JobID,
		conversationID: job.ConversationID,
		language:       language,
		applied:        applied,
		globalMappings: mappings,
		validator:      NewValidator(lines, mappings, candidates, o.cfg.AcceptThreshold),
		cache:          NewContextCache(),
	}, nil
}

// runSections schedules the section DAG: ready sections launch in
// order_index order, bounded by the per-job and global caps; dependents of a
// failed section become Error with reason dependency_failed; cancellation
// stops new launches and waits for in-flight workers.
func (o *Orchestrator) runSections(ctx context.Context, js *jobState, job domain.Job, specs []domain.SectionSpec) (domain.JobStatus, string) {
	jobSem := semaphore.NewWeighted(int64(o.cfg.CJob))
	outcomes := make(chan sectionOutcome, len(specs))

	accepted := make(map[string]bool, len(specs))
	started := make(map[string]bool, len(specs))
	terminal := make(map[string]domain.SectionStatus, len(specs))
	inflight := 0

	launch := func(spec domain.SectionSpec) {
		started[spec.SectionID] = true
		inflight++
		go func() {
			if err := o.globalSem.Acquire(ctx, 1); err != nil {
				outcomes <- sectionOutcome{sectionID: spec.SectionID, status: domain.SectionError,
					result: cancelledResult(spec, js.language, "cancelled before start")}
				return
			}
			defer o.globalSem.Release(1)
			if err := jobSem.Acquire(ctx, 1); err != nil {
				outcomes <- sectionOutcome{sectionID: spec.SectionID, status: domain.SectionError,
					result: cancelledResult(spec, js.language, "cancelled before start")}
				return
			}
			defer jobSem.Release(1)

			result := o.runSection(ctx, js, spec)
			outcomes <- sectionOutcome{sectionID: spec.SectionID, status: result.Status, result: result}
		}()
	}

	cascadeFailures := func() {
		for {
			changed := false
			for _, spec := range specs {
				if started[spec.SectionID] || terminal[spec.SectionID] != "" {
					continue
				}
				for _, dep := range spec.DependsOn {
					st, done := terminal[dep]
					if done && st != domain.SectionAccepted {
						result := cancelledResult(spec, js.language, "dependency_failed: "+dep)
						result.Status = domain.SectionError
						terminal[spec.SectionID] = domain.SectionError
						started[spec.SectionID] = true
						o.deps.Registry.SetSectionState(job.JobID, spec.SectionID, domain.SectionError)
						o.publish(ctx, job.JobID, result)
						changed = true
						break
					}
				}
			}
			if !changed {
				return
			}
		}
	}

	for {
		if ctx.Err() == nil {
			for _, spec := range ReadySections(specs, accepted, started) {
				launch(spec)
			}
		}

		if inflight == 0 {
			if len(terminal) == len(specs) {
				break
			}
			if ctx.Err() != nil {
				return domain.JobCancelled, "job cancelled"
			}
			// No runnable work and nothing in flight: remaining sections are
			// blocked behind failures.
			cascadeFailures()
			if len(terminal) == len(specs) {
				break
			}
			return domain.JobFailed, "scheduler stalled with unresolved sections"
		}

		outcome := <-outcomes
		inflight--
		terminal[outcome.sectionID] = outcome.status
		o.deps.Registry.SetSectionState(job.JobID, outcome.sectionID, outcome.status)

		if outcome.status == domain.SectionAccepted {
			if err := js.cache.Put(outcome.sectionID, outcome.result); err != nil {
				o.log.Error("Context cache write failed", "job_id", job.JobID, "section_id", outcome.sectionID, "error", err)
			}
			accepted[outcome.sectionID] = true
			o.publish(ctx, job.JobID, outcome.result)
			continue
		}

		// Failed outcomes from a cancelled job are not published; already
		// published sections remain published.
		if ctx.Err() == nil {
			o.publish(ctx, job.JobID, outcome.result)
			cascadeFailures()
		}
	}

	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.JobFailed, "job timeout exceeded"
		}
		return domain.JobCancelled, "job cancelled"
	}
	return jobVerdict(terminal, job, o.deps.Registry), ""
}

// publish hands the terminal result to the sink at most once. Delivery
// failures flip the section to DeliveryFailed.
func (o *Orchestrator) publish(ctx context.Context, jobID string, result domain.SectionResult) bool {
	if !o.deps.Registry.ClaimPublication(jobID, result.SectionID) {
		return false
	}
	if err := o.deps.Sink.Publish(ctx, jobID, payloadFor(result)); err != nil {
		o.log.Warn("Section delivery failed", "job_id", jobID, "section_id", result.SectionID, "error", err)
		o.deps.Registry.SetSectionState(jobID, result.SectionID, domain.SectionDeliveryFailed)
		return false
	}
	return true
}

func cancelledResult(spec domain.SectionSpec, language, reason string) domain.SectionResult {
	return domain.SectionResult{
		TemplateID: spec.TemplateID,
		SectionID:  spec.SectionID,
		Type:       spec.Type,
		Language:   language,
		Status:     domain.SectionError,
		Error:      reason,
	}
}

// jobVerdict folds section outcomes into the job's terminal status.
func jobVerdict(terminal map[string]domain.SectionStatus, job domain.Job, reg *Registry) domain.JobStatus {
	snapshot, err := reg.Status(job.JobID)
	states := terminal
	if err == nil {
		states = snapshot.SectionStates
	}

	total, ok, failed := 0, 0, 0
	for _, st := range states {
		total++
		switch st {
		case domain.SectionAccepted:
			ok++
		case domain.SectionFailedValidation, domain.SectionError, domain.SectionDeliveryFailed:
			failed++
		}
	}
	switch {
	case total == 0:
		return domain.JobFailed
	case failed == 0 && ok == total:
		return domain.JobCompleted
	case ok == 0:
		return domain.JobFailed
	default:
		return domain.JobPartiallyFailed
	}
}
