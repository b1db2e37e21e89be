// Package worker implements the polling loop that claims queued jobs and
// resolves them through the pipeline.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"chartextract/internal/domain"
	"chartextract/internal/observability"
	"chartextract/internal/pipeline"
)

// Runner executes one claimed job.
type Runner interface {
	Run(ctx context.Context, job *domain.Job) pipeline.Outcome
}

type Worker struct {
	id           string
	queue        domain.JobQueue
	runner       Runner
	pollInterval time.Duration
	logger       zerolog.Logger
	telemetry    *observability.Telemetry
}

func New(id string, queue domain.JobQueue, runner Runner, pollInterval time.Duration, logger zerolog.Logger, telemetry *observability.Telemetry) *Worker {
	if telemetry == nil {
		telemetry = observability.Noop()
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Worker{
		id:           id,
		queue:        queue,
		runner:       runner,
		pollInterval: pollInterval,
		logger:       logger.With().Str("worker_id", id).Logger(),
		telemetry:    telemetry,
	}
}

// Run polls until ctx is cancelled. A job that has been claimed always runs to
// resolution; cancellation is only observed between jobs.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Dur("poll_interval", w.pollInterval).Msg("worker: started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		processed, err := w.ProcessNext(ctx)
		if err != nil {
			w.logger.Error().Err(err).Msg("worker: failed to claim job")
		}
		if processed {
			continue
		}
		if err := sleep(ctx, w.pollInterval); err != nil {
			return err
		}
	}
}

// ProcessNext claims and resolves at most one job. It reports whether a job
// was processed.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	claimCtx, span := w.telemetry.StartClaim(ctx, w.id)
	job, err := w.queue.TryClaimNext(claimCtx, w.id)
	if errors.Is(err, domain.ErrNoJobAvailable) {
		observability.EndSpan(span, nil)
		return false, nil
	}
	observability.EndSpan(span, err)
	if err != nil {
		return false, err
	}
	w.telemetry.JobClaimed(ctx, w.id)
	w.handleJob(context.WithoutCancel(ctx), job)
	return true, nil
}

func (w *Worker) handleJob(ctx context.Context, job *domain.Job) {
	logger := w.logger.With().Str("job_id", job.ID).Logger()
	logger.Info().Str("owner_id", job.OwnerID).Msg("worker: picked job")

	start := time.Now()
	outcome := w.runner.Run(ctx, job)
	elapsed := time.Since(start)

	if outcome.OK() {
		_, series := outcome.Result.Counts()
		if err := w.queue.Complete(ctx, job.ID, w.id, outcome.Result); err != nil {
			logger.Error().Err(err).Msg("worker: complete failed")
			return
		}
		w.telemetry.JobCompleted(ctx, elapsed)
		logger.Info().Int("series", series).Dur("elapsed", elapsed).Msg("worker: job done")
		return
	}

	failure := outcome.Failure
	if err := w.queue.Fail(ctx, job.ID, w.id, failure.Message, outcome.Partial()); err != nil {
		logger.Error().Err(err).Msg("worker: fail failed")
		return
	}
	w.telemetry.JobFailed(ctx, string(failure.Kind), elapsed)
	logger.Warn().
		Str("kind", string(failure.Kind)).
		Int("artifacts", len(failure.Artifacts)).
		Str("error", domain.TruncateErrorMessage(failure.Message)).
		Msg("worker: job failed")
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
