// Package notify fans job progress out to connected subscribers. Delivery is
// at-most-once and best-effort; the job store stays the source of truth.
package notify

import (
	"time"

	"piiguard/internal/models"
)

// Event kinds sent over a subscription.
const (
	KindJobUpdate = "job_update"
	KindHeartbeat = "heartbeat"
)

// Event is one progress notification. An empty UserID means broadcast.
type Event struct {
	Kind      string           `json:"kind"`
	JobID     string           `json:"job_id,omitempty"`
	DatasetID string           `json:"dataset_id,omitempty"`
	Status    models.JobStatus `json:"status,omitempty"`
	Progress  *float64         `json:"progress,omitempty"`
	UserID    string           `json:"user_id,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// JobUpdate builds the standard event for a job status change.
func JobUpdate(job models.Job) Event {
	return Event{
		Kind:      KindJobUpdate,
		JobID:     job.ID,
		DatasetID: job.DatasetID,
		Status:    job.Status,
		UserID:    job.CreatedBy,
		Timestamp: time.Now().UTC(),
	}
}
