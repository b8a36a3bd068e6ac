package extraction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cliniscribe/notegen-backend/internal/apperr"
	"github.com/cliniscribe/notegen-backend/internal/domain"
)

// Registry tracks in-flight jobs by id and by (conversation_id,
// template_group_id). It enforces the single-Running-job rule, carries each
// job's cancellation signal, and owns the at-most-once publication set.
type Registry struct {
	mu    sync.Mutex
	byID  map[string]*jobEntry
	byKey map[string]string

	// published section ids per (conversation_id, template_group_id) key, so
	// a takeover successor never re-publishes what its predecessor delivered
	published map[string]map[string]bool

	// how long Admit waits for a cancelled predecessor to reach a terminal
	// state before giving up
	takeoverWait time.Duration
}

type jobEntry struct {
	job    domain.Job
	key    string
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		byID:         make(map[string]*jobEntry),
		byKey:        make(map[string]string),
		published:    make(map[string]map[string]bool),
		takeoverWait: 30 * time.Second,
	}
}

func jobKey(conversationID, templateGroupID string) string {
	return conversationID + "|" + templateGroupID
}

// Admit registers a new job for the key, cancelling any running predecessor
// and waiting for it to reach a terminal state first. The slot is re-checked
// after every wait, so concurrent takeovers serialize: a job admitted while
// we slept is itself cancelled and waited out. The returned context is the
// job's cancellation scope.
func (r *Registry) Admit(parent context.Context, conversationID, templateGroupID string, sectionIDs []string) (domain.Job, context.Context, error) {
	key := jobKey(conversationID, templateGroupID)

	r.mu.Lock()
	for {
		prevID, ok := r.byKey[key]
		if !ok {
			break
		}
		prev := r.byID[prevID]
		if prev == nil || prev.job.Status.Terminal() {
			break
		}
		prev.cancel()
		done := prev.done
		r.mu.Unlock()
		select {
		case <-done:
		case <-time.After(r.takeoverWait):
			return domain.Job{}, nil, fmt.Errorf("%w: predecessor job %s did not stop", apperr.ErrInternal, prevID)
		case <-parent.Done():
			return domain.Job{}, nil, fmt.Errorf("%w: %v", apperr.ErrCancelled, parent.Err())
		}
		r.mu.Lock()
	}
	defer r.mu.Unlock()

	states := make(map[string]domain.SectionStatus, len(sectionIDs))
	for _, id := range sectionIDs {
		states[id] = domain.SectionPending
	}
	job := domain.Job{
		JobID:           uuid.NewString(),
		ConversationID:  conversationID,
		TemplateGroupID: templateGroupID,
		Status:          domain.JobPending,
		SectionStates:   states,
		StartedAt:       time.Now().UTC(),
	}
	ctx, cancel := context.WithCancel(parent)
	r.byID[job.JobID] = &jobEntry{
		job:    job,
		key:    key,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.byKey[key] = job.JobID
	return job, ctx, nil
}

func (r *Registry) MarkRunning(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[jobID]; ok && e.job.Status == domain.JobPending {
		e.job.Status = domain.JobRunning
	}
}

func (r *Registry) SetSectionState(jobID, sectionID string, status domain.SectionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[jobID]; ok {
		e.job.SectionStates[sectionID] = status
	}
}

// ClaimPublication reserves the single publication slot for a section.
// Slots are tracked per (conversation_id, template_group_id), so a section
// published by a cancelled predecessor stays published for its successor.
func (r *Registry) ClaimPublication(jobID, sectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[jobID]
	if !ok {
		return false
	}
	set := r.published[e.key]
	if set == nil {
		set = make(map[string]bool)
		r.published[e.key] = set
	}
	if set[sectionID] {
		return false
	}
	set[sectionID] = true
	return true
}

// Finish moves the job to a terminal status, releases its cancellation scope
// and wakes Admit waiters. No-op if already terminal.
func (r *Registry) Finish(jobID string, status domain.JobStatus, errMsg string) {
	if !status.Terminal() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[jobID]
	if !ok || e.job.Status.Terminal() {
		return
	}
	now := time.Now().UTC()
	e.job.Status = status
	e.job.FinishedAt = &now
	e.job.Error = errMsg
	e.cancel()
	close(e.done)
}

// Cancel requests cooperative cancellation. Idempotent: cancelling a
// terminal or already-cancelling job changes nothing.
func (r *Registry) Cancel(jobID string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[jobID]
	if !ok {
		return domain.Job{}, apperr.Invalid("unknown job %q", jobID)
	}
	if !e.job.Status.Terminal() {
		e.cancel()
	}
	return snapshotLocked(e), nil
}

func (r *Registry) Status(jobID string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[jobID]
	if !ok {
		return domain.Job{}, apperr.Invalid("unknown job %q", jobID)
	}
	return snapshotLocked(e), nil
}

// Done exposes the job's terminal-state signal, mainly for tests and for
// graceful shutdown draining.
func (r *Registry) Done(jobID string) (<-chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[jobID]
	if !ok {
		return nil, apperr.Invalid("unknown job %q", jobID)
	}
	return e.done, nil
}

func snapshotLocked(e *jobEntry) domain.Job {
	out := e.job
	out.SectionStates = make(map[string]domain.SectionStatus, len(e.job.SectionStates))
	for k, v := range e.job.SectionStates {
		out.SectionStates[k] = v
	}
	return out
}
