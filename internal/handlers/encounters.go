package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cliniscribe/notegen-backend/internal/apperr"
	"github.com/cliniscribe/notegen-backend/internal/domain"
	"github.com/cliniscribe/notegen-backend/internal/extraction"
	"github.com/cliniscribe/notegen-backend/internal/platform/logger"
)

// EncounterService is the slice of the orchestrator the handlers need;
// satisfied by *extraction.Orchestrator.
type EncounterService interface {
	ProcessEncounter(ctx context.Context, req domain.ProcessEncounterRequest) (domain.Job, error)
}

// JobDirectory is the slice of the job registry the handlers need;
// satisfied by *extraction.Registry.
type JobDirectory interface {
	Cancel(jobID string) (domain.Job, error)
	Status(jobID string) (domain.Job, error)
}

type ExtractionHandler struct {
	log     *logger.Logger
	service EncounterService
	jobs    JobDirectory
}

func NewExtractionHandler(log *logger.Logger, service EncounterService, jobs JobDirectory) *ExtractionHandler {
	return &ExtractionHandler{
		log:     log.With("service", "ExtractionHandler"),
		service: service,
		jobs:    jobs,
	}
}

// POST /internal/encounters/process
func (h *ExtractionHandler) ProcessEncounter(c *gin.Context) {
	var req domain.ProcessEncounterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	job, err := h.service.ProcessEncounter(c.Request.Context(), req)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	h.log.Info("Encounter accepted",
		"job_id", job.JobID,
		"conversation_id", job.ConversationID,
		"sections", len(job.SectionStates),
	)
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

// POST /internal/jobs/:id/cancel
func (h *ExtractionHandler) CancelJob(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", apperr.Invalid("job id required"))
		return
	}
	job, err := h.jobs.Cancel(jobID)
	if err != nil {
		RespondError(c, http.StatusNotFound, "job_not_found", err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

// GET /internal/jobs/:id
func (h *ExtractionHandler) JobStatus(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", apperr.Invalid("job id required"))
		return
	}
	job, err := h.jobs.Status(jobID)
	if err != nil {
		RespondError(c, http.StatusNotFound, "job_not_found", err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

type validateTemplatesRequest struct {
	Templates []domain.TemplateRequest `json:"templates"`
}

// POST /internal/templates/validate
func (h *ExtractionHandler) ValidateTemplates(c *gin.Context) {
	var req validateTemplatesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	specs, err := extraction.FlattenTemplates(req.Templates)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondOK(c, gin.H{"valid": true, "sections": specs})
}
