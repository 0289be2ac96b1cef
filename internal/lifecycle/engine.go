// Package lifecycle enforces the job state machine and drives every
// user- and worker-initiated transition.
package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"piiguard/internal/models"
	"piiguard/internal/notify"
	"piiguard/internal/queue"
	"piiguard/internal/store"
	"piiguard/internal/telemetry"
)

// Store is the persistence surface the engine needs. *store.Store satisfies
// it; tests use an in-memory fake.
type Store interface {
	GetJobForOwner(ctx context.Context, jobID, ownerID string) (models.Job, error)
	ListJobsForOwner(ctx context.Context, ownerID string, filter store.ListFilter, page, pageSize int) ([]models.Job, int, error)
	JobStats(ctx context.Context, ownerID string) (map[models.JobStatus]int, error)
	CreateJob(ctx context.Context, job models.Job) (models.Job, error)
	RetryJob(ctx context.Context, original, replacement models.Job) (models.Job, error)
	CancelJob(ctx context.Context, jobID, ownerID string) (store.CancelResult, error)
	StartJob(ctx context.Context, jobID, workerID string) (models.Job, error)
	FinishJob(ctx context.Context, jobID, workerID string, final models.JobStatus, errMsg *string) (store.FinishResult, error)
}

// Queue is the dispatch surface used to hand QUEUED jobs to workers.
type Queue interface {
	Enqueue(ctx context.Context, jobID, priority string) error
	Remove(ctx context.Context, jobID string) error
}

// Notifier publishes best-effort progress events. Failures never propagate
// to the triggering operation.
type Notifier interface {
	Publish(ctx context.Context, ev notify.Event)
}

// Engine validates transitions, persists them, and emits the side effects
// (dispatch, notification, metrics). Audit rows are written by the store
// inside the same transaction as the state change.
type Engine struct {
	store    Store
	queue    Queue
	notifier Notifier
	log      zerolog.Logger
}

func New(st Store, q Queue, n Notifier, log zerolog.Logger) *Engine {
	return &Engine{store: st, queue: q, notifier: n, log: log}
}

// EnqueueParams describes a new pipeline job request.
type EnqueueParams struct {
	Type      models.JobType
	Priority  int
	DatasetID string
	OwnerID   string
	PolicyID  *string
	Metadata  models.JobMetadata
}

// Enqueue creates a QUEUED job for a dataset the owner controls and pushes
// it to the dispatch queue.
func (e *Engine) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error) {
	job := models.Job{
		ID:        uuid.New().String(),
		Type:      p.Type,
		Status:    models.StatusQueued,
		Priority:  p.Priority,
		DatasetID: p.DatasetID,
		CreatedBy: p.OwnerID,
		PolicyID:  p.PolicyID,
		Metadata:  p.Metadata,
		CreatedAt: time.Now().UTC(),
	}
	created, err := e.store.CreateJob(ctx, job)
	if err != nil {
		return models.Job{}, err
	}
	e.dispatch(ctx, created)
	telemetry.JobsEnqueued.Inc()
	e.notifier.Publish(ctx, notify.JobUpdate(created))
	return created, nil
}

// Retry creates a replacement for a FAILED or CANCELLED job. The original
// row is never mutated; lineage links the two.
func (e *Engine) Retry(ctx context.Context, jobID, ownerID string) (models.Job, error) {
	original, err := e.store.GetJobForOwner(ctx, jobID, ownerID)
	if err != nil {
		return models.Job{}, err
	}
	if !original.Status.Retryable() {
		return models.Job{}, &models.InvalidStateError{JobID: original.ID, Current: original.Status}
	}

	replacement := models.Job{
		ID:        uuid.New().String(),
		Type:      original.Type,
		Status:    models.StatusQueued,
		Priority:  original.Priority,
		DatasetID: original.DatasetID,
		CreatedBy: ownerID,
		PolicyID:  original.PolicyID,
		Metadata:  original.Metadata.RetryLineage(original.ID),
		CreatedAt: time.Now().UTC(),
	}
	created, err := e.store.RetryJob(ctx, original, replacement)
	if err != nil {
		return models.Job{}, err
	}

	e.dispatch(ctx, created)
	telemetry.JobsRetried.Inc()
	e.notifier.Publish(ctx, notify.JobUpdate(created))
	e.log.Info().Str("job", original.ID).Str("new_job", created.ID).
		Int("attempt", created.Metadata.RetryAttempt).Msg("job retried")
	return created, nil
}

// Cancel stops a QUEUED or RUNNING job. The dataset flips to CANCELLED only
// when this was its last active job.
func (e *Engine) Cancel(ctx context.Context, jobID, ownerID string) (models.Job, error) {
	res, err := e.store.CancelJob(ctx, jobID, ownerID)
	if err != nil {
		return models.Job{}, err
	}

	// Best effort: a job left in Redis is rejected at start time anyway.
	if err := e.queue.Remove(ctx, res.Job.ID); err != nil {
		e.log.Warn().Err(err).Str("job", res.Job.ID).Msg("remove cancelled job from dispatch queue")
	}

	telemetry.JobsCancelled.Inc()
	e.notifier.Publish(ctx, notify.JobUpdate(res.Job))
	e.log.Info().Str("job", res.Job.ID).Str("previous", string(res.PreviousStatus)).
		Bool("dataset_cancelled", res.DatasetCancelled).Msg("job cancelled")
	return res.Job, nil
}

// Start records a worker picking up a QUEUED job.
func (e *Engine) Start(ctx context.Context, jobID, workerID string) (models.Job, error) {
	job, err := e.store.StartJob(ctx, jobID, workerID)
	if err != nil {
		return models.Job{}, err
	}
	e.notifier.Publish(ctx, notify.JobUpdate(job))
	return job, nil
}

// Complete records a successful RUNNING -> COMPLETED transition.
func (e *Engine) Complete(ctx context.Context, jobID, workerID string) (models.Job, error) {
	res, err := e.store.FinishJob(ctx, jobID, workerID, models.StatusCompleted, nil)
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobsCompleted.Inc()
	e.notifier.Publish(ctx, notify.JobUpdate(res.Job))
	return res.Job, nil
}

// Fail records a RUNNING -> FAILED transition with the worker's reason.
func (e *Engine) Fail(ctx context.Context, jobID, workerID, reason string) (models.Job, error) {
	res, err := e.store.FinishJob(ctx, jobID, workerID, models.StatusFailed, &reason)
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobsFailed.Inc()
	e.notifier.Publish(ctx, notify.JobUpdate(res.Job))
	return res.Job, nil
}

// Progress publishes an in-flight progress event. Nothing is persisted.
func (e *Engine) Progress(ctx context.Context, job models.Job, progress float64) {
	ev := notify.JobUpdate(job)
	ev.Progress = &progress
	e.notifier.Publish(ctx, ev)
}

// Get returns a job scoped to its owner.
func (e *Engine) Get(ctx context.Context, jobID, ownerID string) (models.Job, error) {
	return e.store.GetJobForOwner(ctx, jobID, ownerID)
}

// List returns the owner's jobs newest-first with the total count.
func (e *Engine) List(ctx context.Context, ownerID string, filter store.ListFilter, page, pageSize int) ([]models.Job, int, error) {
	return e.store.ListJobsForOwner(ctx, ownerID, filter, page, pageSize)
}

// Stats returns the owner's job counts grouped by status.
func (e *Engine) Stats(ctx context.Context, ownerID string) (map[models.JobStatus]int, error) {
	return e.store.JobStats(ctx, ownerID)
}

// dispatch pushes a freshly created job to Redis. Failure is logged, not
// surfaced: the job row exists, and the worker's stale-job sweep will pick
// it up.
func (e *Engine) dispatch(ctx context.Context, job models.Job) {
	if err := e.queue.Enqueue(ctx, job.ID, queue.PriorityName(job.Priority)); err != nil {
		e.log.Warn().Err(err).Str("job", job.ID).Msg("dispatch failed, job will be swept")
	}
}
