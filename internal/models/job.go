package models

import (
	"time"
)

// JobType enumerates the pipeline stages a job can run.
type JobType string

const (
	TypeExtractText    JobType = "EXTRACT_TEXT"
	TypeAnalyzePII     JobType = "ANALYZE_PII"
	TypeAnonymize      JobType = "ANONYMIZE"
	TypeGenerateReport JobType = "GENERATE_REPORT"
)

// ValidJobType reports whether t is a known pipeline stage.
func ValidJobType(t JobType) bool {
	switch t {
	case TypeExtractText, TypeAnalyzePII, TypeAnonymize, TypeGenerateReport:
		return true
	}
	return false
}

// JobStatus enumerates lifecycle states persisted in Postgres.
type JobStatus string

const (
	StatusQueued    JobStatus = "QUEUED"
	StatusRunning   JobStatus = "RUNNING"
	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
	StatusCancelled JobStatus = "CANCELLED"
)

// ValidJobStatus reports whether s is a known lifecycle state.
func ValidJobStatus(s JobStatus) bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible for a job row.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Retryable reports whether a user retry may target a job in this state.
// Retrying creates a new job row; the original stays untouched.
func (s JobStatus) Retryable() bool {
	return s == StatusFailed || s == StatusCancelled
}

// Cancellable reports whether a user cancel may target a job in this state.
func (s JobStatus) Cancellable() bool {
	return s == StatusQueued || s == StatusRunning
}

// CanTransition validates a single edge of the job state machine:
// QUEUED -> RUNNING -> {COMPLETED, FAILED}, {QUEUED, RUNNING} -> CANCELLED.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	}
	return false
}

// Job represents one asynchronous unit of dataset processing work.
type Job struct {
	ID        string      `json:"id"`
	Type      JobType     `json:"type"`
	Status    JobStatus   `json:"status"`
	Priority  int         `json:"priority"`
	DatasetID string      `json:"dataset_id"`
	CreatedBy string      `json:"created_by"`
	PolicyID  *string     `json:"policy_id,omitempty"`
	Metadata  JobMetadata `json:"metadata"`
	Error     *string     `json:"error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
}

// DatasetStatus is the aggregate status a dataset carries, derived from the
// jobs that reference it.
type DatasetStatus string

const (
	DatasetPending    DatasetStatus = "PENDING"
	DatasetProcessing DatasetStatus = "PROCESSING"
	DatasetCompleted  DatasetStatus = "COMPLETED"
	DatasetFailed     DatasetStatus = "FAILED"
	DatasetCancelled  DatasetStatus = "CANCELLED"
)

// Dataset is the uploaded artifact jobs operate on. Only its status is
// mutated by this service; everything else belongs to the upload path.
type Dataset struct {
	ID        string        `json:"id"`
	ProjectID string        `json:"project_id"`
	Name      string        `json:"name"`
	ObjectKey string        `json:"object_key"`
	Status    DatasetStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Audit actions written by the lifecycle engine.
const (
	AuditCreateJob = "CREATE_JOB"
	AuditRetryJob  = "RETRY_JOB"
	AuditCancelJob = "CANCEL_JOB"
	AuditStartJob  = "START_JOB"
	AuditFinishJob = "FINISH_JOB"
)

// AuditRecord is an append-only trail row. Rows are never updated or deleted.
type AuditRecord struct {
	ID           int64          `json:"id"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	ActorID      string         `json:"actor_id"`
	Details      map[string]any `json:"details"`
	RecordedAt   time.Time      `json:"recorded_at"`
}
