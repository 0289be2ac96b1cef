package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piiguard/internal/models"
	"piiguard/internal/store"
)

const (
	owner    = "11111111-1111-1111-1111-111111111111"
	stranger = "22222222-2222-2222-2222-222222222222"
)

func newTestEngine() (*Engine, *fakeStore, *fakeQueue, *fakeNotifier) {
	st := newFakeStore()
	q := &fakeQueue{}
	n := &fakeNotifier{}
	return New(st, q, n, zerolog.Nop()), st, q, n
}

func seedJob(st *fakeStore, id string, status models.JobStatus, datasetID string) models.Job {
	job := models.Job{
		ID:        id,
		Type:      models.TypeAnalyzePII,
		Status:    status,
		DatasetID: datasetID,
		CreatedBy: owner,
		CreatedAt: time.Now().UTC(),
	}
	st.addJob(job)
	return job
}

func TestRetryRejectsNonRetryableStatuses(t *testing.T) {
	engine, st, _, _ := newTestEngine()
	st.addDataset("d-1", owner, models.DatasetProcessing)

	for _, status := range []models.JobStatus{models.StatusQueued, models.StatusRunning, models.StatusCompleted} {
		t.Run(string(status), func(t *testing.T) {
			job := seedJob(st, "job-"+string(status), status, "d-1")
			_, err := engine.Retry(context.Background(), job.ID, owner)
			ise, ok := models.IsInvalidState(err)
			require.True(t, ok, "expected InvalidStateError, got %v", err)
			assert.Equal(t, status, ise.Current)
		})
	}
}

func TestCancelRejectsTerminalStatuses(t *testing.T) {
	engine, st, _, _ := newTestEngine()
	st.addDataset("d-1", owner, models.DatasetProcessing)

	for _, status := range []models.JobStatus{models.StatusCompleted, models.StatusFailed, models.StatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			job := seedJob(st, "job-"+string(status), status, "d-1")
			_, err := engine.Cancel(context.Background(), job.ID, owner)
			ise, ok := models.IsInvalidState(err)
			require.True(t, ok, "expected InvalidStateError, got %v", err)
			assert.Equal(t, status, ise.Current)
		})
	}
}

func TestOwnershipMergesIntoNotFound(t *testing.T) {
	engine, st, _, _ := newTestEngine()
	st.addDataset("d-1", owner, models.DatasetFailed)
	seedJob(st, "j-1", models.StatusFailed, "d-1")

	_, err := engine.Retry(context.Background(), "j-1", stranger)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = engine.Cancel(context.Background(), "j-1", stranger)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = engine.Get(context.Background(), "missing", owner)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRetryCreatesLineageAndKeepsOriginal(t *testing.T) {
	engine, st, q, n := newTestEngine()
	st.addDataset("d-1", owner, models.DatasetFailed)
	reason := "tika timed out"
	original := models.Job{
		ID:        "j-1",
		Type:      models.TypeExtractText,
		Status:    models.StatusFailed,
		Priority:  3,
		DatasetID: "d-1",
		CreatedBy: owner,
		Error:     &reason,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	st.addJob(original)

	replacement, err := engine.Retry(context.Background(), "j-1", owner)
	require.NoError(t, err)

	assert.NotEqual(t, original.ID, replacement.ID)
	assert.Equal(t, models.StatusQueued, replacement.Status)
	assert.Equal(t, original.Type, replacement.Type)
	assert.Equal(t, original.Priority, replacement.Priority)
	assert.Equal(t, original.DatasetID, replacement.DatasetID)
	assert.True(t, replacement.Metadata.IsRetry)
	assert.Equal(t, "j-1", replacement.Metadata.OriginalJobID)
	assert.Equal(t, 1, replacement.Metadata.RetryAttempt)

	// Original row is untouched.
	stored, err := engine.Get(context.Background(), "j-1", owner)
	require.NoError(t, err)
	assert.Equal(t, original, stored)

	// FAILED dataset was reset to PENDING.
	assert.Equal(t, models.DatasetPending, st.datasetStatus("d-1"))

	// Exactly one audit row, referencing both jobs.
	audits := st.auditsFor("j-1")
	require.Len(t, audits, 1)
	assert.Equal(t, models.AuditRetryJob, audits[0].Action)
	assert.Equal(t, replacement.ID, audits[0].Details["newJobId"])

	// Dispatched and announced.
	assert.Equal(t, []string{replacement.ID}, q.enqueued)
	events := n.all()
	require.Len(t, events, 1)
	assert.Equal(t, replacement.ID, events[0].JobID)
}

func TestRetryAttemptIncrementsAcrossRetries(t *testing.T) {
	engine, st, _, _ := newTestEngine()
	st.addDataset("d-1", owner, models.DatasetFailed)
	job := seedJob(st, "j-1", models.StatusFailed, "d-1")
	job.Metadata = models.JobMetadata{IsRetry: true, OriginalJobID: "j-0", RetryAttempt: 2}
	st.addJob(job)

	replacement, err := engine.Retry(context.Background(), "j-1", owner)
	require.NoError(t, err)
	assert.Equal(t, 3, replacement.Metadata.RetryAttempt)
	assert.Equal(t, "j-1", replacement.Metadata.OriginalJobID)
}

func TestCancelMarksDatasetOnlyWhenLastActive(t *testing.T) {
	engine, st, q, _ := newTestEngine()
	st.addDataset("d-1", owner, models.DatasetProcessing)
	seedJob(st, "j-1", models.StatusRunning, "d-1")
	seedJob(st, "j-2", models.StatusQueued, "d-1")

	// First cancel: j-2 still active, dataset untouched.
	cancelled, err := engine.Cancel(context.Background(), "j-1", owner)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.Error)
	assert.Equal(t, "Job cancelled by user", *cancelled.Error)
	assert.NotNil(t, cancelled.EndedAt)
	assert.Equal(t, models.DatasetProcessing, st.datasetStatus("d-1"))

	// Second cancel: no active jobs remain, dataset flips.
	_, err = engine.Cancel(context.Background(), "j-2", owner)
	require.NoError(t, err)
	assert.Equal(t, models.DatasetCancelled, st.datasetStatus("d-1"))

	assert.Equal(t, []string{"j-1", "j-2"}, q.removed)

	// One audit row per cancellation.
	require.Len(t, st.auditsFor("j-1"), 1)
	require.Len(t, st.auditsFor("j-2"), 1)
	assert.Equal(t, "RUNNING", st.auditsFor("j-1")[0].Details["previousStatus"])
}

func TestConcurrentCancelsMarkDatasetExactlyOnce(t *testing.T) {
	engine, st, _, _ := newTestEngine()
	st.addDataset("d-1", owner, models.DatasetProcessing)
	seedJob(st, "j-1", models.StatusRunning, "d-1")
	seedJob(st, "j-2", models.StatusRunning, "d-1")

	var wg sync.WaitGroup
	for _, id := range []string{"j-1", "j-2"} {
		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			_, err := engine.Cancel(context.Background(), jobID, owner)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	assert.Equal(t, models.DatasetCancelled, st.datasetStatus("d-1"))

	marked := 0
	for _, id := range []string{"j-1", "j-2"} {
		recs := st.auditsFor(id)
		require.Len(t, recs, 1)
		if recs[0].Details["datasetCancelled"] == true {
			marked++
		}
	}
	assert.Equal(t, 1, marked, "exactly one cancellation may claim the dataset")
}

func TestWorkerTransitions(t *testing.T) {
	engine, st, _, n := newTestEngine()
	st.addDataset("d-1", owner, models.DatasetPending)
	seedJob(st, "j-1", models.StatusQueued, "d-1")

	started, err := engine.Start(context.Background(), "j-1", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, started.Status)
	assert.NotNil(t, started.StartedAt)
	assert.Equal(t, models.DatasetProcessing, st.datasetStatus("d-1"))

	// A second start is rejected.
	_, err = engine.Start(context.Background(), "j-1", "worker-2")
	_, ok := models.IsInvalidState(err)
	assert.True(t, ok)

	done, err := engine.Complete(context.Background(), "j-1", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, models.DatasetCompleted, st.datasetStatus("d-1"))

	// QUEUED/RUNNING/COMPLETED events were published.
	assert.GreaterOrEqual(t, len(n.all()), 2)
}

func TestStartRejectsCancelledJob(t *testing.T) {
	engine, st, _, _ := newTestEngine()
	st.addDataset("d-1", owner, models.DatasetProcessing)
	seedJob(st, "j-1", models.StatusCancelled, "d-1")

	_, err := engine.Start(context.Background(), "j-1", "worker-1")
	ise, ok := models.IsInvalidState(err)
	require.True(t, ok)
	assert.Equal(t, models.StatusCancelled, ise.Current)
}

func TestFailSetsReasonAndDataset(t *testing.T) {
	engine, st, _, _ := newTestEngine()
	st.addDataset("d-1", owner, models.DatasetProcessing)
	seedJob(st, "j-1", models.StatusRunning, "d-1")

	failed, err := engine.Fail(context.Background(), "j-1", "worker-1", "unreadable document")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "unreadable document", *failed.Error)
	assert.Equal(t, models.DatasetFailed, st.datasetStatus("d-1"))
}

func TestListPagination(t *testing.T) {
	engine, st, _, _ := newTestEngine()
	st.addDataset("d-1", owner, models.DatasetProcessing)
	base := time.Now().UTC()
	for i := 0; i < 45; i++ {
		st.addJob(models.Job{
			ID:        fmt.Sprintf("j-%02d", i),
			Type:      models.TypeAnalyzePII,
			Status:    models.StatusCompleted,
			DatasetID: "d-1",
			CreatedBy: owner,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	page1, total, err := engine.List(context.Background(), owner, store.ListFilter{}, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 45, total)
	assert.Len(t, page1, 20)
	// Newest first.
	assert.Equal(t, "j-44", page1[0].ID)

	page3, total, err := engine.List(context.Background(), owner, store.ListFilter{}, 3, 20)
	require.NoError(t, err)
	assert.Equal(t, 45, total)
	assert.Len(t, page3, 5)
}

func TestEnqueueCreatesQueuedJob(t *testing.T) {
	engine, st, q, _ := newTestEngine()
	st.addDataset("d-1", owner, models.DatasetPending)

	job, err := engine.Enqueue(context.Background(), EnqueueParams{
		Type:      models.TypeExtractText,
		DatasetID: "d-1",
		OwnerID:   owner,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.Equal(t, []string{job.ID}, q.enqueued)

	// Unknown dataset behaves as not found.
	_, err = engine.Enqueue(context.Background(), EnqueueParams{
		Type:      models.TypeExtractText,
		DatasetID: "d-other",
		OwnerID:   owner,
	})
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestStatsGroupsByStatus(t *testing.T) {
	engine, st, _, _ := newTestEngine()
	st.addDataset("d-1", owner, models.DatasetProcessing)
	seedJob(st, "a", models.StatusQueued, "d-1")
	seedJob(st, "b", models.StatusFailed, "d-1")
	seedJob(st, "c", models.StatusFailed, "d-1")

	stats, err := engine.Stats(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[models.StatusQueued])
	assert.Equal(t, 2, stats[models.StatusFailed])
}
