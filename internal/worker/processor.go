package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"piiguard/internal/config"
	"piiguard/internal/models"
	"piiguard/internal/queue"
	"piiguard/internal/telemetry"
)

// Lifecycle is the slice of the lifecycle engine the processor drives.
type Lifecycle interface {
	Start(ctx context.Context, jobID, workerID string) (models.Job, error)
	Complete(ctx context.Context, jobID, workerID string) (models.Job, error)
	Fail(ctx context.Context, jobID, workerID, reason string) (models.Job, error)
	Progress(ctx context.Context, job models.Job, progress float64)
}

// Dispatch is the queue surface the processor consumes.
type Dispatch interface {
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	Enqueue(ctx context.Context, jobID, priority string) error
	ReadyDepth(ctx context.Context) (int64, error)
}

// StaleSource lists QUEUED jobs whose dispatch was lost so they can be
// re-enqueued.
type StaleSource interface {
	ListStaleQueuedJobs(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error)
}

// Handler executes one job stage. report publishes fractional progress.
type Handler func(ctx context.Context, job models.Job, report func(float64)) error

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	dispatch Dispatch
	engine   Lifecycle
	stale    StaleSource
	handler  Handler
	workerID string
	log      zerolog.Logger
}

func NewProcessor(cfg config.Config, d Dispatch, engine Lifecycle, stale StaleSource, handler Handler, workerID string, log zerolog.Logger) *Processor {
	return &Processor{
		cfg:      cfg,
		dispatch: d,
		engine:   engine,
		stale:    stale,
		handler:  handler,
		workerID: workerID,
		log:      log,
	}
}

// Run polls for work until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	sweep := time.NewTicker(p.cfg.VisibilityTimeout)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			p.sweepLeases(ctx)
			p.sweepStale(ctx)
		default:
		}

		if depth, err := p.dispatch.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobID, err := p.dispatch.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			if err != nil {
				p.log.Warn().Err(err).Msg("dequeue")
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}

		p.process(ctx, jobID)
	}
}

func (p *Processor) process(ctx context.Context, jobID string) {
	defer func() {
		if err := p.dispatch.Ack(ctx, jobID); err != nil {
			p.log.Warn().Err(err).Str("job", jobID).Msg("ack")
		}
	}()

	job, err := p.engine.Start(ctx, jobID, p.workerID)
	if err != nil {
		// Cancelled between lease and start, or already picked up elsewhere.
		if _, ok := models.IsInvalidState(err); ok {
			p.log.Debug().Str("job", jobID).Msg("skipping job that left QUEUED")
			return
		}
		p.log.Warn().Err(err).Str("job", jobID).Msg("start job")
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	report := func(progress float64) {
		p.engine.Progress(ctx, job, progress)
		// Long stages push the lease out so the job is not reclaimed
		// mid-flight.
		_ = p.dispatch.ExtendLease(ctx, job.ID, p.cfg.VisibilityTimeout)
	}

	if err := p.handler(ctx, job, report); err != nil {
		if _, ferr := p.engine.Fail(ctx, job.ID, p.workerID, err.Error()); ferr != nil {
			p.log.Error().Err(ferr).Str("job", job.ID).Msg("record failure")
		}
		p.log.Warn().Err(err).Str("job", job.ID).Str("type", string(job.Type)).Msg("job failed")
		return
	}

	if _, err := p.engine.Complete(ctx, job.ID, p.workerID); err != nil {
		p.log.Error().Err(err).Str("job", job.ID).Msg("record completion")
		return
	}
	p.log.Info().Str("job", job.ID).Str("type", string(job.Type)).Msg("job completed")
}

func (p *Processor) sweepLeases(ctx context.Context) {
	reclaimed, err := p.dispatch.RequeueExpired(ctx, time.Now(), 100)
	if err != nil {
		p.log.Warn().Err(err).Msg("requeue expired leases")
		return
	}
	if len(reclaimed) > 0 {
		p.log.Info().Int("count", len(reclaimed)).Msg("reclaimed expired leases")
	}
}

// sweepStale re-enqueues QUEUED jobs whose original dispatch never reached
// Redis. Duplicates are harmless: Start rejects jobs that already left
// QUEUED.
func (p *Processor) sweepStale(ctx context.Context) {
	cutoff := time.Now().Add(-p.cfg.VisibilityTimeout)
	jobs, err := p.stale.ListStaleQueuedJobs(ctx, cutoff, 100)
	if err != nil {
		p.log.Warn().Err(err).Msg("list stale queued jobs")
		return
	}
	for _, job := range jobs {
		if err := p.dispatch.Enqueue(ctx, job.ID, queue.PriorityName(job.Priority)); err != nil {
			p.log.Warn().Err(err).Str("job", job.ID).Msg("re-enqueue stale job")
		}
	}
}
