package domain

import "time"

type JobStatus string

const (
	JobPending         JobStatus = "pending"
	JobRunning         JobStatus = "running"
	JobCancelled       JobStatus = "cancelled"
	JobCompleted       JobStatus = "completed"
	JobPartiallyFailed JobStatus = "partially_failed"
	JobFailed          JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case JobCancelled, JobCompleted, JobPartiallyFailed, JobFailed:
		return true
	default:
		return false
	}
}

// Job is one pipeline invocation for one encounter and one template group.
type Job struct {
	JobID           string                   `json:"job_id"`
	ConversationID  string                   `json:"conversation_id"`
	TemplateGroupID string                   `json:"template_group_id"`
	Status          JobStatus                `json:"status"`
	SectionStates   map[string]SectionStatus `json:"section_states"`
	StartedAt       time.Time                `json:"started_at"`
	FinishedAt      *time.Time               `json:"finished_at,omitempty"`
	Error           string                   `json:"error,omitempty"`
}

// PreferenceEntry is one learned term substitution for a doctor.
type PreferenceEntry struct {
	Preferred   string    `json:"preferred"`
	Confidence  float64   `json:"confidence"`
	LastUpdated time.Time `json:"last_updated"`
}

// DoctorPreferences maps original terms to preferred renderings.
type DoctorPreferences struct {
	DoctorID string                     `json:"doctor_id"`
	Terms    map[string]PreferenceEntry `json:"terms"`
}
