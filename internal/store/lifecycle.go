package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"piiguard/internal/models"
)

// CancelResult reports what a cancellation changed.
type CancelResult struct {
	Job              models.Job
	PreviousStatus   models.JobStatus
	DatasetCancelled bool
}

// FinishResult reports what a worker-side terminal transition changed.
type FinishResult struct {
	Job            models.Job
	DatasetUpdated bool
}

// appendAudit writes one immutable audit row inside the caller's transaction.
// A failed audit write aborts the whole operation: no state change is
// committed without its trail.
func appendAudit(ctx context.Context, tx pgx.Tx, rec models.AuditRecord) error {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO audit_records (action, resource_type, resource_id, actor_id, details, recorded_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, rec.Action, rec.ResourceType, rec.ResourceID, rec.ActorID, details)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// RecordAudit appends an audit row outside any transaction.
func (s *Store) RecordAudit(ctx context.Context, rec models.AuditRecord) error {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_records (action, resource_type, resource_id, actor_id, details, recorded_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, rec.Action, rec.ResourceType, rec.ResourceID, rec.ActorID, details)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// ListAuditRecords returns the trail for one resource, oldest first.
func (s *Store) ListAuditRecords(ctx context.Context, resourceType, resourceID string) ([]models.AuditRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, action, resource_type, resource_id, actor_id, details, recorded_at
		FROM audit_records
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY id
	`, resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var out []models.AuditRecord
	for rows.Next() {
		var rec models.AuditRecord
		var details []byte
		if err := rows.Scan(&rec.ID, &rec.Action, &rec.ResourceType, &rec.ResourceID, &rec.ActorID, &details, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &rec.Details); err != nil {
				return nil, fmt.Errorf("unmarshal audit details: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// reconcileDataset decides whether a dataset may take a terminal status after
// one of its jobs finished. The dataset row is locked first so that two
// concurrent terminal transitions on the same dataset serialize here; only
// the one that observes zero other active jobs writes the status.
func reconcileDataset(ctx context.Context, tx pgx.Tx, datasetID, excludingJobID string, target models.DatasetStatus) (bool, error) {
	var current models.DatasetStatus
	err := tx.QueryRow(ctx, `
		SELECT status FROM datasets WHERE id = $1 FOR UPDATE
	`, datasetID).Scan(&current)
	if err != nil {
		return false, fmt.Errorf("lock dataset: %w", err)
	}

	var active int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE dataset_id = $1 AND id <> $2 AND status IN ($3, $4)
	`, datasetID, excludingJobID, models.StatusQueued, models.StatusRunning).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("count active jobs: %w", err)
	}
	if active > 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE datasets SET status = $2, updated_at = NOW() WHERE id = $1
	`, datasetID, target)
	if err != nil {
		return false, fmt.Errorf("update dataset status: %w", err)
	}
	return true, nil
}

// lockJob re-reads a job row under FOR UPDATE, optionally scoped to an owner.
func lockJob(ctx context.Context, tx pgx.Tx, jobID, ownerID string) (models.Job, error) {
	query := "SELECT " + jobColumns + ownedJobFrom + " WHERE j.id = $1"
	args := []any{jobID}
	if ownerID != "" {
		query += " AND p.owner_id = $2"
		args = append(args, ownerID)
	}
	query += " FOR UPDATE OF j"
	return scanJob(tx.QueryRow(ctx, query, args...))
}

// RetryJob inserts the replacement job for a failed or cancelled one. The
// original row is never touched; lineage lives in the new job's metadata.
// A FAILED dataset is reset to PENDING in the same transaction.
func (s *Store) RetryJob(ctx context.Context, original models.Job, replacement models.Job) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Re-check under lock: terminal states are absorbing, but the caller's
	// read may have raced a worker transition on a QUEUED/RUNNING job.
	locked, err := lockJob(ctx, tx, original.ID, "")
	if err != nil {
		return models.Job{}, err
	}
	if !locked.Status.Retryable() {
		return models.Job{}, &models.InvalidStateError{JobID: locked.ID, Current: locked.Status}
	}

	metadataJSON, err := json.Marshal(replacement.Metadata)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, type, status, priority, dataset_id, created_by, policy_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, replacement.ID, replacement.Type, replacement.Status, replacement.Priority,
		replacement.DatasetID, replacement.CreatedBy, replacement.PolicyID, metadataJSON, replacement.CreatedAt)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert retry job: %w", err)
	}

	// A FAILED dataset implies no active jobs, so this reset needs no count
	// query. It is a reopening action, not a completion race.
	var dsStatus models.DatasetStatus
	if err := tx.QueryRow(ctx, `
		SELECT status FROM datasets WHERE id = $1 FOR UPDATE
	`, replacement.DatasetID).Scan(&dsStatus); err != nil {
		return models.Job{}, fmt.Errorf("lock dataset: %w", err)
	}
	if dsStatus == models.DatasetFailed {
		if _, err := tx.Exec(ctx, `
			UPDATE datasets SET status = $2, updated_at = NOW() WHERE id = $1
		`, replacement.DatasetID, models.DatasetPending); err != nil {
			return models.Job{}, fmt.Errorf("reset dataset status: %w", err)
		}
	}

	err = appendAudit(ctx, tx, models.AuditRecord{
		Action:       models.AuditRetryJob,
		ResourceType: "job",
		ResourceID:   original.ID,
		ActorID:      replacement.CreatedBy,
		Details: map[string]any{
			"newJobId":     replacement.ID,
			"retryAttempt": replacement.Metadata.RetryAttempt,
		},
	})
	if err != nil {
		return models.Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return replacement, nil
}

// CancelJob marks a QUEUED or RUNNING job cancelled and reconciles the
// dataset. The dataset becomes CANCELLED only when no other job for it is
// still active after this cancellation.
func (s *Store) CancelJob(ctx context.Context, jobID, ownerID string) (CancelResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return CancelResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := lockJob(ctx, tx, jobID, ownerID)
	if err != nil {
		return CancelResult{}, err
	}
	if !job.Status.Cancellable() {
		return CancelResult{}, &models.InvalidStateError{JobID: job.ID, Current: job.Status}
	}
	previous := job.Status

	now := time.Now().UTC()
	reason := "Job cancelled by user"
	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, ended_at = $3, error = $4 WHERE id = $1
	`, job.ID, models.StatusCancelled, now, reason); err != nil {
		return CancelResult{}, fmt.Errorf("cancel job: %w", err)
	}

	datasetCancelled, err := reconcileDataset(ctx, tx, job.DatasetID, job.ID, models.DatasetCancelled)
	if err != nil {
		return CancelResult{}, err
	}

	err = appendAudit(ctx, tx, models.AuditRecord{
		Action:       models.AuditCancelJob,
		ResourceType: "job",
		ResourceID:   job.ID,
		ActorID:      ownerID,
		Details: map[string]any{
			"previousStatus":   string(previous),
			"datasetCancelled": datasetCancelled,
		},
	})
	if err != nil {
		return CancelResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return CancelResult{}, fmt.Errorf("commit: %w", err)
	}

	job.Status = models.StatusCancelled
	job.EndedAt = &now
	job.Error = &reason
	return CancelResult{Job: job, PreviousStatus: previous, DatasetCancelled: datasetCancelled}, nil
}

// StartJob transitions QUEUED -> RUNNING on behalf of a worker. A job
// cancelled between lease and start surfaces as InvalidStateError so the
// worker drops it instead of resurrecting it.
func (s *Store) StartJob(ctx context.Context, jobID, workerID string) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := lockJob(ctx, tx, jobID, "")
	if err != nil {
		return models.Job{}, err
	}
	if !models.CanTransition(job.Status, models.StatusRunning) {
		return models.Job{}, &models.InvalidStateError{JobID: job.ID, Current: job.Status}
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, started_at = $3 WHERE id = $1
	`, job.ID, models.StatusRunning, now); err != nil {
		return models.Job{}, fmt.Errorf("start job: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE datasets SET status = $2, updated_at = NOW() WHERE id = $1
	`, job.DatasetID, models.DatasetProcessing); err != nil {
		return models.Job{}, fmt.Errorf("mark dataset processing: %w", err)
	}

	err = appendAudit(ctx, tx, models.AuditRecord{
		Action:       models.AuditStartJob,
		ResourceType: "job",
		ResourceID:   job.ID,
		ActorID:      workerID,
		Details:      map[string]any{"workerId": workerID},
	})
	if err != nil {
		return models.Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	job.Status = models.StatusRunning
	job.StartedAt = &now
	return job, nil
}

// FinishJob transitions RUNNING -> COMPLETED or FAILED on behalf of a worker
// and reconciles the dataset to the matching terminal status.
func (s *Store) FinishJob(ctx context.Context, jobID, workerID string, final models.JobStatus, errMsg *string) (FinishResult, error) {
	if final != models.StatusCompleted && final != models.StatusFailed {
		return FinishResult{}, fmt.Errorf("finish job: %s is not a worker terminal status", final)
	}
	target := models.DatasetCompleted
	if final == models.StatusFailed {
		target = models.DatasetFailed
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return FinishResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := lockJob(ctx, tx, jobID, "")
	if err != nil {
		return FinishResult{}, err
	}
	if !models.CanTransition(job.Status, final) {
		return FinishResult{}, &models.InvalidStateError{JobID: job.ID, Current: job.Status}
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, ended_at = $3, error = $4 WHERE id = $1
	`, job.ID, final, now, errMsg); err != nil {
		return FinishResult{}, fmt.Errorf("finish job: %w", err)
	}

	datasetUpdated, err := reconcileDataset(ctx, tx, job.DatasetID, job.ID, target)
	if err != nil {
		return FinishResult{}, err
	}

	details := map[string]any{"status": string(final), "workerId": workerID}
	if errMsg != nil {
		details["error"] = *errMsg
	}
	err = appendAudit(ctx, tx, models.AuditRecord{
		Action:       models.AuditFinishJob,
		ResourceType: "job",
		ResourceID:   job.ID,
		ActorID:      workerID,
		Details:      details,
	})
	if err != nil {
		return FinishResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return FinishResult{}, fmt.Errorf("commit: %w", err)
	}
	job.Status = final
	job.EndedAt = &now
	job.Error = errMsg
	return FinishResult{Job: job, DatasetUpdated: datasetUpdated}, nil
}
