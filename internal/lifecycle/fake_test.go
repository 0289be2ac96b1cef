package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"piiguard/internal/models"
	"piiguard/internal/notify"
	"piiguard/internal/store"
)

// fakeStore mirrors the Postgres store's semantics in memory, including the
// single-writer dataset reconciliation, so engine behavior can be tested
// without a database.
type fakeStore struct {
	mu       sync.Mutex
	jobs     map[string]models.Job
	datasets map[string]models.Dataset
	owners   map[string]string // datasetID -> ownerID
	audits   []models.AuditRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:     make(map[string]models.Job),
		datasets: make(map[string]models.Dataset),
		owners:   make(map[string]string),
	}
}

func (f *fakeStore) addDataset(id, ownerID string, status models.DatasetStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.datasets[id] = models.Dataset{ID: id, Status: status}
	f.owners[id] = ownerID
}

func (f *fakeStore) addJob(job models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
}

func (f *fakeStore) ownedLocked(jobID, ownerID string) (models.Job, bool) {
	job, ok := f.jobs[jobID]
	if !ok {
		return models.Job{}, false
	}
	if ownerID != "" && f.owners[job.DatasetID] != ownerID {
		return models.Job{}, false
	}
	return job, true
}

func (f *fakeStore) GetJobForOwner(_ context.Context, jobID, ownerID string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.ownedLocked(jobID, ownerID)
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	return job, nil
}

func (f *fakeStore) ListJobsForOwner(_ context.Context, ownerID string, filter store.ListFilter, page, pageSize int) ([]models.Job, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []models.Job
	for _, job := range f.jobs {
		if f.owners[job.DatasetID] != ownerID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		if filter.DatasetID != "" && job.DatasetID != filter.DatasetID {
			continue
		}
		all = append(all, job)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (f *fakeStore) JobStats(_ context.Context, ownerID string) (map[models.JobStatus]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := make(map[models.JobStatus]int)
	for _, job := range f.jobs {
		if f.owners[job.DatasetID] == ownerID {
			stats[job.Status]++
		}
	}
	return stats, nil
}

func (f *fakeStore) CreateJob(_ context.Context, job models.Job) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owners[job.DatasetID] != job.CreatedBy {
		return models.Job{}, models.ErrNotFound
	}
	job.Status = models.StatusQueued
	f.jobs[job.ID] = job
	f.auditLocked(models.AuditCreateJob, job.ID, job.CreatedBy, nil)
	return job, nil
}

func (f *fakeStore) RetryJob(_ context.Context, original, replacement models.Job) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.jobs[original.ID]
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	if !current.Status.Retryable() {
		return models.Job{}, &models.InvalidStateError{JobID: current.ID, Current: current.Status}
	}
	f.jobs[replacement.ID] = replacement
	if ds := f.datasets[replacement.DatasetID]; ds.Status == models.DatasetFailed {
		ds.Status = models.DatasetPending
		f.datasets[replacement.DatasetID] = ds
	}
	f.auditLocked(models.AuditRetryJob, original.ID, replacement.CreatedBy, map[string]any{
		"newJobId":     replacement.ID,
		"retryAttempt": replacement.Metadata.RetryAttempt,
	})
	return replacement, nil
}

func (f *fakeStore) CancelJob(_ context.Context, jobID, ownerID string) (store.CancelResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.ownedLocked(jobID, ownerID)
	if !ok {
		return store.CancelResult{}, models.ErrNotFound
	}
	if !job.Status.Cancellable() {
		return store.CancelResult{}, &models.InvalidStateError{JobID: job.ID, Current: job.Status}
	}
	previous := job.Status
	now := time.Now().UTC()
	reason := "Job cancelled by user"
	job.Status = models.StatusCancelled
	job.EndedAt = &now
	job.Error = &reason
	f.jobs[job.ID] = job

	cancelled := f.reconcileLocked(job.DatasetID, job.ID, models.DatasetCancelled)
	f.auditLocked(models.AuditCancelJob, job.ID, ownerID, map[string]any{
		"previousStatus":   string(previous),
		"datasetCancelled": cancelled,
	})
	return store.CancelResult{Job: job, PreviousStatus: previous, DatasetCancelled: cancelled}, nil
}

func (f *fakeStore) StartJob(_ context.Context, jobID, workerID string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	if !models.CanTransition(job.Status, models.StatusRunning) {
		return models.Job{}, &models.InvalidStateError{JobID: job.ID, Current: job.Status}
	}
	now := time.Now().UTC()
	job.Status = models.StatusRunning
	job.StartedAt = &now
	f.jobs[job.ID] = job
	if ds, ok := f.datasets[job.DatasetID]; ok {
		ds.Status = models.DatasetProcessing
		f.datasets[job.DatasetID] = ds
	}
	f.auditLocked(models.AuditStartJob, job.ID, workerID, nil)
	return job, nil
}

func (f *fakeStore) FinishJob(_ context.Context, jobID, workerID string, final models.JobStatus, errMsg *string) (store.FinishResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return store.FinishResult{}, models.ErrNotFound
	}
	if !models.CanTransition(job.Status, final) {
		return store.FinishResult{}, &models.InvalidStateError{JobID: job.ID, Current: job.Status}
	}
	now := time.Now().UTC()
	job.Status = final
	job.EndedAt = &now
	job.Error = errMsg
	f.jobs[job.ID] = job

	target := models.DatasetCompleted
	if final == models.StatusFailed {
		target = models.DatasetFailed
	}
	updated := f.reconcileLocked(job.DatasetID, job.ID, target)
	f.auditLocked(models.AuditFinishJob, job.ID, workerID, map[string]any{"status": string(final)})
	return store.FinishResult{Job: job, DatasetUpdated: updated}, nil
}

func (f *fakeStore) reconcileLocked(datasetID, excludingJobID string, target models.DatasetStatus) bool {
	for _, other := range f.jobs {
		if other.DatasetID != datasetID || other.ID == excludingJobID {
			continue
		}
		if other.Status == models.StatusQueued || other.Status == models.StatusRunning {
			return false
		}
	}
	ds, ok := f.datasets[datasetID]
	if !ok {
		return false
	}
	ds.Status = target
	f.datasets[datasetID] = ds
	return true
}

func (f *fakeStore) auditLocked(action, resourceID, actorID string, details map[string]any) {
	f.audits = append(f.audits, models.AuditRecord{
		ID:           int64(len(f.audits) + 1),
		Action:       action,
		ResourceType: "job",
		ResourceID:   resourceID,
		ActorID:      actorID,
		Details:      details,
		RecordedAt:   time.Now().UTC(),
	})
}

func (f *fakeStore) auditsFor(resourceID string) []models.AuditRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.AuditRecord
	for _, rec := range f.audits {
		if rec.ResourceID == resourceID {
			out = append(out, rec)
		}
	}
	return out
}

func (f *fakeStore) datasetStatus(id string) models.DatasetStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.datasets[id].Status
}

// fakeQueue records dispatch calls.
type fakeQueue struct {
	mu       sync.Mutex
	enqueued []string
	removed  []string
}

func (q *fakeQueue) Enqueue(_ context.Context, jobID, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, jobID)
	return nil
}

func (q *fakeQueue) Remove(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed = append(q.removed, jobID)
	return nil
}

// fakeNotifier records published events.
type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *fakeNotifier) Publish(_ context.Context, ev notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *fakeNotifier) all() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Event(nil), n.events...)
}
