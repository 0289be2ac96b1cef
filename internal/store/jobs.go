package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"piiguard/internal/models"
)

const jobColumns = `j.id, j.type, j.status, j.priority, j.dataset_id, j.created_by, j.policy_id, j.metadata, j.error, j.created_at, j.started_at, j.ended_at`

// ownedJobFrom joins a job back to its project owner. Every read and write
// path goes through this join; ownership is never taken from the caller on
// faith.
const ownedJobFrom = `
	FROM jobs j
	JOIN datasets d ON d.id = j.dataset_id
	JOIN projects p ON p.id = d.project_id
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var (
		job          models.Job
		policyID     pgtype.Text
		metadataJSON []byte
		jobErr       pgtype.Text
		startedAt    pgtype.Timestamptz
		endedAt      pgtype.Timestamptz
	)
	err := row.Scan(
		&job.ID, &job.Type, &job.Status, &job.Priority, &job.DatasetID,
		&job.CreatedBy, &policyID, &metadataJSON, &jobErr,
		&job.CreatedAt, &startedAt, &endedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, models.ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &job.Metadata); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal job metadata: %w", err)
		}
	}
	job.PolicyID = textPtr(policyID)
	job.Error = textPtr(jobErr)
	job.StartedAt = tsPtr(startedAt)
	job.EndedAt = tsPtr(endedAt)
	return job, nil
}

// GetJobForOwner fetches a job only if it is transitively owned by ownerID.
// A job owned by someone else is indistinguishable from a missing one.
func (s *Store) GetJobForOwner(ctx context.Context, jobID, ownerID string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+ownedJobFrom+`
		WHERE j.id = $1 AND p.owner_id = $2
	`, jobID, ownerID)
	return scanJob(row)
}

// GetJob fetches a job by id without an ownership filter. Worker-side only.
func (s *Store) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs j WHERE j.id = $1
	`, jobID)
	return scanJob(row)
}

// ListFilter narrows ListJobsForOwner results.
type ListFilter struct {
	Status    models.JobStatus
	Type      models.JobType
	DatasetID string
}

// ListJobsForOwner returns the owner's jobs newest-first with the total count.
// page is 1-indexed.
func (s *Store) ListJobsForOwner(ctx context.Context, ownerID string, filter ListFilter, page, pageSize int) ([]models.Job, int, error) {
	if page < 1 {
		page = 1
	}
	where := "WHERE p.owner_id = $1"
	args := []any{ownerID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(" AND j.status = $%d", len(args))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		where += fmt.Sprintf(" AND j.type = $%d", len(args))
	}
	if filter.DatasetID != "" {
		args = append(args, filter.DatasetID)
		where += fmt.Sprintf(" AND j.dataset_id = $%d", len(args))
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*)"+ownedJobFrom+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	args = append(args, pageSize, (page-1)*pageSize)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		"SELECT %s%s%s ORDER BY j.created_at DESC, j.id LIMIT $%d OFFSET $%d",
		jobColumns, ownedJobFrom, where, len(args)-1, len(args),
	), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.Job, 0, pageSize)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, total, nil
}

// JobStats returns the owner's job counts grouped by status.
func (s *Store) JobStats(ctx context.Context, ownerID string) (map[models.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT j.status, COUNT(*)`+ownedJobFrom+`
		WHERE p.owner_id = $1
		GROUP BY j.status
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[models.JobStatus]int)
	for rows.Next() {
		var status models.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats: %w", err)
	}
	return stats, nil
}

// CreateJob inserts a new QUEUED job after verifying dataset ownership.
func (s *Store) CreateJob(ctx context.Context, job models.Job) (models.Job, error) {
	var datasetExists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM datasets d
			JOIN projects p ON p.id = d.project_id
			WHERE d.id = $1 AND p.owner_id = $2
		)
	`, job.DatasetID, job.CreatedBy).Scan(&datasetExists)
	if err != nil {
		return models.Job{}, fmt.Errorf("check dataset ownership: %w", err)
	}
	if !datasetExists {
		return models.Job{}, models.ErrNotFound
	}

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.Status = models.StatusQueued

	metadataJSON, err := json.Marshal(job.Metadata)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, type, status, priority, dataset_id, created_by, policy_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, job.ID, job.Type, job.Status, job.Priority, job.DatasetID, job.CreatedBy, job.PolicyID, metadataJSON, job.CreatedAt)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	err = appendAudit(ctx, tx, models.AuditRecord{
		Action:       models.AuditCreateJob,
		ResourceType: "job",
		ResourceID:   job.ID,
		ActorID:      job.CreatedBy,
		Details:      map[string]any{"type": string(job.Type), "datasetId": job.DatasetID},
	})
	if err != nil {
		return models.Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// ListStaleQueuedJobs returns QUEUED jobs created before cutoff. The worker
// re-enqueues these to recover jobs whose original dispatch to Redis was
// lost; a duplicate dispatch is harmless because Start rejects any job that
// already left QUEUED.
func (s *Store) ListStaleQueuedJobs(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs j
		WHERE j.status = $1 AND j.created_at <= $2
		ORDER BY j.created_at
		LIMIT $3
	`, models.StatusQueued, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale queued jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// GetDataset fetches a dataset by id. Worker-side only.
func (s *Store) GetDataset(ctx context.Context, datasetID string) (models.Dataset, error) {
	var ds models.Dataset
	err := s.pool.QueryRow(ctx, `
		SELECT id, project_id, name, object_key, status, created_at, updated_at
		FROM datasets WHERE id = $1
	`, datasetID).Scan(&ds.ID, &ds.ProjectID, &ds.Name, &ds.ObjectKey, &ds.Status, &ds.CreatedAt, &ds.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Dataset{}, models.ErrNotFound
	}
	if err != nil {
		return models.Dataset{}, fmt.Errorf("get dataset: %w", err)
	}
	return ds, nil
}
